package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestVault(t *testing.T) (*Vault, string) {
	t.Helper()
	root := t.TempDir()
	v, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return v, root
}

func TestVault_ReadWrite(t *testing.T) {
	v, _ := openTestVault(t)

	content := "# Note\n\nline two\n"
	if err := v.Write("30_Projects/Brain/note.md", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := v.Read("30_Projects/Brain/note.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != content {
		t.Errorf("Read mismatch:\n  got:  %q\n  want: %q", got, content)
	}

	if err := v.Write("30_Projects/Brain/note.md", "replaced"); err != nil {
		t.Fatalf("Write overwrite: %v", err)
	}
	if got, _ := v.Read("30_Projects/Brain/note.md"); got != "replaced" {
		t.Errorf("Read after overwrite: got %q", got)
	}
}

func TestVault_ReadMissingIsNotExist(t *testing.T) {
	v, _ := openTestVault(t)
	_, err := v.Read("nope.md")
	if !IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if v.Exists("nope.md") {
		t.Fatal("Exists reported a missing file")
	}
}

func TestVault_AppendAndMkdir(t *testing.T) {
	v, _ := openTestVault(t)
	if err := v.Append("log.md", "first\n"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := v.Append("log.md", "second\n"); err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if got, _ := v.Read("log.md"); got != "first\nsecond\n" {
		t.Errorf("Append content: got %q", got)
	}

	if err := v.MkdirAll("skills/researcher"); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if !v.Exists("skills/researcher") {
		t.Fatal("expected directory to exist")
	}
	entries, err := v.List("skills")
	if err != nil || len(entries) != 1 || !entries[0].IsDir || entries[0].Name != "researcher" {
		t.Fatalf("List = %+v, %v", entries, err)
	}
}

func TestVault_Rel(t *testing.T) {
	v, _ := openTestVault(t)
	rel, err := v.Rel(filepath.Join(v.Root(), "a", "b.md"))
	if err != nil || rel != "a/b.md" {
		t.Fatalf("Rel = %q, %v", rel, err)
	}
}

func TestVault_PathTraversalBlocked(t *testing.T) {
	v, _ := openTestVault(t)
	for _, p := range []string{"../etc/passwd", "../../etc/shadow", "foo/../../..", "/etc/passwd"} {
		if _, err := v.Read(p); !errors.Is(err, ErrEscape) {
			t.Errorf("Read(%q) = %v, want ErrEscape", p, err)
		}
		if err := v.Write(p, "evil"); !errors.Is(err, ErrEscape) {
			t.Errorf("Write(%q) = %v, want ErrEscape", p, err)
		}
	}
}

func TestVault_SymlinkTraversalBlocked(t *testing.T) {
	v, root := openTestVault(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.md"), []byte("top secret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}
	if _, err := v.Read("escape/secret.md"); !errors.Is(err, ErrEscape) {
		t.Fatalf("expected symlink escape to be blocked for Read, got %v", err)
	}
	if err := v.Write("escape/new.md", "evil"); !errors.Is(err, ErrEscape) {
		t.Fatalf("expected symlink escape to be blocked for Write, got %v", err)
	}
}

func TestVault_DeleteRefusesDirectories(t *testing.T) {
	v, _ := openTestVault(t)
	_ = v.Write("d/f.md", "x")
	if err := v.Delete("d"); err == nil {
		t.Fatal("expected directory delete to fail")
	}
	if err := v.Delete("d/f.md"); err != nil {
		t.Fatalf("Delete file: %v", err)
	}
}
