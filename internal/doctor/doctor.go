// Package doctor diagnoses a vaultclaw home: config, keys, database,
// vault, allowlist, telemetry and provider reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/vaultclaw/internal/agent"
	"github.com/basket/vaultclaw/internal/config"
	"github.com/basket/vaultclaw/internal/cron"
	vcotel "github.com/basket/vaultclaw/internal/otel"
	"github.com/basket/vaultclaw/internal/persistence"
	"github.com/basket/vaultclaw/internal/vault"
)

// Status is the outcome of one check.
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

var offlineChecks = []check{
	checkConfig,
	checkAPIKey,
	checkDatabase,
	checkSchedules,
	checkPermissions,
	checkVault,
	checkAllowlist,
	checkTelemetry,
}

// Run executes every check, including provider DNS lookups.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, append(append([]check(nil), offlineChecks...), checkNetwork))
}

// RunOffline executes every check except the network probe.
func RunOffline(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return run(ctx, cfg, version, offlineChecks)
}

// run executes checks concurrently; results keep the order of checks.
func run(ctx context.Context, cfg *config.Config, version string, checks []check) Diagnosis {
	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			results[i] = c(gctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return Diagnosis{
		Timestamp: time.Now().UTC(),
		System:    SystemInfo{OS: runtime.GOOS, Arch: runtime.GOARCH, Go: runtime.Version(), Version: version},
		Results:   results,
	}
}

func result(name string, status Status, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Status: status, Message: fmt.Sprintf(format, args...)}
}

func (r CheckResult) with(detail string) CheckResult {
	r.Detail = detail
	return r
}

func skipped(name string) CheckResult {
	return result(name, StatusSkip, "Config missing")
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	const name = "Config"
	switch {
	case cfg == nil:
		return result(name, StatusFail, "Configuration not loaded")
	case cfg.NeedsInit:
		return result(name, StatusWarn, "config.yaml missing (run vaultclaw init)")
	}
	if err := cfg.Validate(); err != nil {
		return result(name, StatusFail, "Configuration invalid").with(err.Error())
	}
	return result(name, StatusPass, "Loaded from %s", cfg.HomeDir).with(cfg.Fingerprint())
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	const name = "API Key"
	if cfg == nil {
		return skipped(name)
	}
	providers := append([]string{cfg.LLM.Provider}, cfg.LLM.FallbackProviders...)
	var missing []string
	for _, p := range providers {
		if cfg.ProviderAPIKey(p) == "" {
			missing = append(missing, p)
		}
	}
	switch {
	case len(missing) == 0:
		return result(name, StatusPass, "Keys found for %s", strings.Join(providers, ", "))
	case missing[0] == cfg.LLM.Provider:
		return result(name, StatusWarn, "No API key for primary provider %s", cfg.LLM.Provider).
			with("Set the provider's environment variable or llm.providers.<name>.api_key in config.yaml")
	}
	return result(name, StatusWarn, "No API key for fallback providers: %s", strings.Join(missing, ", "))
}

// storeMu serializes the checks that open the database; a fresh file
// is migrated on open.
var storeMu sync.Mutex

func openStore(cfg *config.Config) (*persistence.Store, func(), error) {
	storeMu.Lock()
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		storeMu.Unlock()
		return nil, nil, err
	}
	return store, func() {
		_ = store.Close()
		storeMu.Unlock()
	}, nil
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "Database"
	if cfg == nil || cfg.NeedsInit {
		return skipped(name)
	}
	store, release, err := openStore(cfg)
	if err != nil {
		return result(name, StatusFail, "Connection failed: %v", err)
	}
	defer release()
	if _, err := store.ListSessions(ctx, "", 1); err != nil {
		return result(name, StatusFail, "Query failed: %v", err)
	}
	return result(name, StatusPass, "Connection and schema valid").with(cfg.DBPath)
}

// checkSchedules re-parses stored cron expressions.
func checkSchedules(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "Schedules"
	if cfg == nil || cfg.NeedsInit {
		return skipped(name)
	}
	store, release, err := openStore(cfg)
	if err != nil {
		return result(name, StatusFail, "Connection failed: %v", err)
	}
	defer release()
	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		return result(name, StatusFail, "Query failed: %v", err)
	}
	enabled := 0
	var bad []string
	for _, s := range schedules {
		if s.Enabled {
			enabled++
		}
		if _, err := cron.Parse(s.CronExpr); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", s.ID, err))
		}
	}
	if len(bad) > 0 {
		return result(name, StatusFail, "%d of %d schedules have invalid expressions", len(bad), len(schedules)).with(strings.Join(bad, "; "))
	}
	return result(name, StatusPass, "%d schedules, %d enabled", len(schedules), enabled)
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	const name = "Permissions"
	if cfg == nil {
		return skipped(name)
	}
	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return result(name, StatusFail, "Home dir unwritable: %v", err)
	}
	_ = os.Remove(probe)
	return result(name, StatusPass, "Home directory writable")
}

func checkVault(_ context.Context, cfg *config.Config) CheckResult {
	const name = "Vault"
	if cfg == nil {
		return skipped(name)
	}
	if _, err := os.Stat(cfg.VaultDir); err != nil {
		return result(name, StatusWarn, "Vault directory %s not found (run vaultclaw init)", cfg.VaultDir)
	}
	v, err := vault.Open(cfg.VaultDir)
	if err != nil {
		return result(name, StatusFail, "Open failed: %v", err)
	}
	reg, err := agent.NewRegistry(agent.RegistryConfig{Vault: v})
	if err != nil {
		return result(name, StatusFail, "Registry init failed: %v", err)
	}
	entries, err := reg.List(agent.ListFilter{})
	if err != nil {
		return result(name, StatusFail, "Registry document invalid").with(err.Error())
	}
	var broken []string
	for _, e := range entries {
		if _, err := reg.Definition(e.ID); err != nil {
			broken = append(broken, fmt.Sprintf("%s: %v", e.ID, err))
		}
	}
	if len(broken) > 0 {
		return result(name, StatusFail, "%d of %d agent definitions unreadable", len(broken), len(entries)).with(strings.Join(broken, "; "))
	}
	if _, err := reg.Admin(); err != nil {
		return result(name, StatusWarn, "%d agents registered, no active admin", len(entries))
	}
	return result(name, StatusPass, "%d agents registered", len(entries)).with(v.Root())
}

func checkAllowlist(_ context.Context, cfg *config.Config) CheckResult {
	const name = "Allowlist"
	if cfg == nil {
		return skipped(name)
	}
	a := cfg.Allowlist
	if err := a.Validate(); err != nil {
		return result(name, StatusFail, "Allowlist invalid").with(err.Error())
	}
	if a.DefaultAllow {
		return result(name, StatusWarn, "%d entries, default allow", len(a.Entries)).with("Every agent may invoke any skill")
	}
	return result(name, StatusPass, "%d entries, default deny", len(a.Entries)).with(a.PolicyVersion())
}

func checkTelemetry(_ context.Context, cfg *config.Config) CheckResult {
	const name = "Telemetry"
	if cfg == nil {
		return skipped(name)
	}
	o := cfg.OTel
	if !o.Enabled {
		return result(name, StatusPass, "Tracing disabled")
	}
	if err := o.Validate(); err != nil {
		return result(name, StatusFail, "OTel config invalid").with(err.Error())
	}
	switch o.Exporter {
	case vcotel.ExporterFile:
		if err := os.MkdirAll(filepath.Dir(o.Path), 0o755); err != nil {
			return result(name, StatusFail, "Span file directory unwritable: %v", err)
		}
		f, err := os.OpenFile(o.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return result(name, StatusFail, "Span file unwritable: %v", err)
		}
		_ = f.Close()
		return result(name, StatusPass, "Spans written to %s", o.Path)
	case vcotel.ExporterOTLPHTTP, "":
		endpoint := o.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return result(name, StatusPass, "Spans exported over OTLP/HTTP to %s", endpoint)
	}
	return result(name, StatusPass, "Spans exported to %s", o.Exporter)
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

// checkNetwork resolves the API host of every configured provider. A
// failure on the primary fails the check; on a fallback it warns.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	const name = "Network"
	if cfg == nil {
		return skipped(name)
	}
	primary := strings.ToLower(cfg.LLM.Provider)
	if primary == "" {
		primary = "google"
	}
	providers := append([]string{primary}, cfg.LLM.FallbackProviders...)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var resolved, failed []string
	start := time.Now()
	for i, p := range providers {
		host, ok := providerHosts[p]
		if !ok {
			host = providerHosts["google"]
		}
		if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
			if i == 0 {
				return result(name, StatusFail, "DNS lookup failed for %s: %v", host, err).
					with(fmt.Sprintf("provider=%s", p))
			}
			failed = append(failed, host)
			continue
		}
		resolved = append(resolved, host)
	}
	latency := time.Since(start).Milliseconds()
	if len(failed) > 0 {
		return result(name, StatusWarn, "DNS lookup failed for fallback hosts: %s", strings.Join(failed, ", "))
	}
	return result(name, StatusPass, "DNS resolved %s (%dms)", strings.Join(resolved, ", "), latency)
}
