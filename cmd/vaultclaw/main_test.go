package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureOutput redirects command output for the duration of the test.
func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr := stdout, stderr
	stdout, stderr = &out, &errOut
	t.Cleanup(func() {
		stdout, stderr = prevOut, prevErr
	})
	return &out, &errOut
}

func TestDispatch_Version(t *testing.T) {
	out, _ := captureOutput(t)
	if code := dispatch(context.Background(), []string{"version"}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if strings.TrimSpace(out.String()) != Version {
		t.Fatalf("got %q, want %q", out.String(), Version)
	}
}

func TestDispatch_UnknownAndMissingCommand(t *testing.T) {
	_, errOut := captureOutput(t)
	if code := dispatch(context.Background(), []string{"frobnicate"}); code != 2 {
		t.Fatalf("unknown command: exit code %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), `unknown command "frobnicate"`) {
		t.Fatalf("missing error message: %q", errOut.String())
	}
	if code := dispatch(context.Background(), nil); code != 2 {
		t.Fatalf("no command: exit code %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Usage: vaultclaw") {
		t.Fatalf("usage not printed: %q", errOut.String())
	}
}

func TestDispatch_Help(t *testing.T) {
	_, errOut := captureOutput(t)
	if code := dispatch(context.Background(), []string{"--help"}); code != 0 {
		t.Fatalf("exit code %d, want 0", code)
	}
	for _, cmd := range []string{"init", "send", "invoke", "schedules", "doctor"} {
		if !strings.Contains(errOut.String(), cmd) {
			t.Fatalf("usage missing %q", cmd)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nVAULTCLAW_TEST_A=plain\nVAULTCLAW_TEST_B=\"quoted value\"\nnot a pair\nVAULTCLAW_TEST_C=from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VAULTCLAW_TEST_A", "")
	t.Setenv("VAULTCLAW_TEST_B", "")
	t.Setenv("VAULTCLAW_TEST_C", "already-set")

	loadDotEnv(path)

	if got := os.Getenv("VAULTCLAW_TEST_A"); got != "plain" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("VAULTCLAW_TEST_B"); got != "quoted value" {
		t.Fatalf("B = %q", got)
	}
	if got := os.Getenv("VAULTCLAW_TEST_C"); got != "already-set" {
		t.Fatalf("existing variable overwritten: %q", got)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "nope.env"))
}

func TestInteractiveStdout_Buffer(t *testing.T) {
	captureOutput(t)
	if interactiveStdout() {
		t.Fatal("a buffer is not a terminal")
	}
}

func TestRunDaemonCommand_NotInitialized(t *testing.T) {
	t.Setenv("VAULTCLAW_HOME", t.TempDir())
	_, errOut := captureOutput(t)

	if code := runDaemonCommand(context.Background(), nil); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "E_NOT_INITIALIZED") {
		t.Fatalf("missing reason code: %q", errOut.String())
	}
}
