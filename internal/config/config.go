package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/vaultclaw/internal/memory"
	vcotel "github.com/basket/vaultclaw/internal/otel"
	"github.com/basket/vaultclaw/internal/policy"
)

// ProviderConfig holds per-provider LLM settings.
type ProviderConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// LockConfig controls the session lock manager.
type LockConfig struct {
	LockTimeoutMS    int `yaml:"lock_timeout_ms"`
	AcquireTimeoutMS int `yaml:"acquire_timeout_ms"`
	PollIntervalMS   int `yaml:"poll_interval_ms"`
}

func (c LockConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c LockConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutMS) * time.Millisecond
}

func (c LockConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ContextConfig controls the context window guard. ContextLimits maps
// "provider/model" or a bare model name to its token window.
type ContextConfig struct {
	ContextWindow     int            `yaml:"context_window"`
	ReserveTokens     int            `yaml:"reserve_tokens"`
	FlushThreshold    float64        `yaml:"flush_threshold"`
	CompactThreshold  float64        `yaml:"compact_threshold"`
	CriticalThreshold float64        `yaml:"critical_threshold"`
	CompactionRatio   float64        `yaml:"compaction_ratio"`
	ContextLimits     map[string]int `yaml:"context_limits"`
}

// Guard returns the guard configuration for this section.
func (c ContextConfig) Guard() memory.GuardConfig {
	return memory.GuardConfig{
		ContextWindow: c.ContextWindow,
		ReserveTokens: c.ReserveTokens,
		Thresholds: memory.Thresholds{
			Flush:    c.FlushThreshold,
			Compact:  c.CompactThreshold,
			Critical: c.CriticalThreshold,
		},
	}
}

// SchedulerConfig controls the cron scheduler. RetryOnFailure and
// MaxRetries are carried through but failed runs are not retried.
type SchedulerConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds"`
	MaxConcurrent   int  `yaml:"max_concurrent"`
	HistorySize     int  `yaml:"history_size"`
	RetryOnFailure  bool `yaml:"retry_on_failure"`
	MaxRetries      int  `yaml:"max_retries"`
}

func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// MessagingConfig controls the mailbox. RetentionDays of 0 keeps processed
// messages forever.
type MessagingConfig struct {
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	ReplyTimeoutSeconds int `yaml:"reply_timeout_seconds"`
	RetentionDays       int `yaml:"retention_days"`
}

func (c MessagingConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c MessagingConfig) ReplyTimeout() time.Duration {
	return time.Duration(c.ReplyTimeoutSeconds) * time.Second
}

func (c MessagingConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ScopeConfig controls the scope enforcer. ViolationLog names the JSONL
// file under <home>/logs; empty disables the file log.
type ScopeConfig struct {
	Strict       bool   `yaml:"strict"`
	ViolationLog string `yaml:"violation_log"`
}

// AgentLoopConfig bounds a single turn.
type AgentLoopConfig struct {
	MaxMessageLength  int `yaml:"max_message_length"`
	LLMTimeoutSeconds int `yaml:"llm_timeout_seconds"`
	HistoryLimit      int `yaml:"history_limit"`
	MaxToolRounds     int `yaml:"max_tool_rounds"`
}

func (c AgentLoopConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// LLMConfig selects the chat provider. FallbackProviders are tried in
// order when the primary fails; each uses its providers entry for model
// and key.
type LLMConfig struct {
	Provider                string                    `yaml:"provider"`
	Model                   string                    `yaml:"model"`
	FallbackProviders       []string                  `yaml:"fallback_providers"`
	FailoverThreshold       int                       `yaml:"failover_threshold"`
	FailoverCooldownSeconds int                       `yaml:"failover_cooldown_seconds"`
	MaxRetries              int                       `yaml:"max_retries"`
	Providers               map[string]ProviderConfig `yaml:"providers"`
}

func (c LLMConfig) FailoverCooldown() time.Duration {
	return time.Duration(c.FailoverCooldownSeconds) * time.Second
}

// InboxConfig controls the daemon's mailbox-driven turns.
type InboxConfig struct {
	Enabled        bool `yaml:"enabled"`
	PollIntervalMS int  `yaml:"poll_interval_ms"`
	Workers        int  `yaml:"workers"`
	// BlockPatterns reject matching requests before any model call.
	BlockPatterns []string `yaml:"block_patterns"`
}

func (c InboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

type Config struct {
	VaultDir  string           `yaml:"vault_dir"`
	DBPath    string           `yaml:"db_path"`
	LogLevel  string           `yaml:"log_level"`
	Lock      LockConfig       `yaml:"lock"`
	Context   ContextConfig    `yaml:"context"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Messaging MessagingConfig  `yaml:"messaging"`
	Allowlist policy.Allowlist `yaml:"allowlist"`
	Scope     ScopeConfig      `yaml:"scope"`
	AgentLoop AgentLoopConfig  `yaml:"agent_loop"`
	LLM       LLMConfig        `yaml:"llm"`
	OTel      vcotel.Config    `yaml:"otel"`
	Inbox     InboxConfig      `yaml:"inbox"`

	HomeDir string `yaml:"-"`
	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

const (
	configFile = "config.yaml"
	policyFile = "policy.yaml"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, configFile)
}

// PolicyPath returns the path to the standalone allowlist file. When it
// exists it takes precedence over the allowlist section of config.yaml.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, policyFile)
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetModel updates the LLM provider and model in config.yaml, preserving other settings.
func SetModel(homeDir, provider, model string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	llm, _ := raw["llm"].(map[string]interface{})
	if llm == nil {
		llm = make(map[string]interface{})
	}
	llm["provider"] = provider
	llm["model"] = model
	raw["llm"] = llm
	return saveRawConfig(configPath, raw)
}

// SetAPIKey stores an API key under llm.providers.<provider> in config.yaml.
func SetAPIKey(homeDir, provider, value string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	llm, _ := raw["llm"].(map[string]interface{})
	if llm == nil {
		llm = make(map[string]interface{})
	}
	providers, _ := llm["providers"].(map[string]interface{})
	if providers == nil {
		providers = make(map[string]interface{})
	}
	entry, _ := providers[provider].(map[string]interface{})
	if entry == nil {
		entry = make(map[string]interface{})
	}
	entry["api_key"] = value
	providers[provider] = entry
	llm["providers"] = providers
	raw["llm"] = llm
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config. API keys are
// left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "vault=%s|db=%s|log=%s|lock=%d/%d/%d|ctx=%d/%d/%.3f/%.3f/%.3f|sched=%d/%d|loop=%d/%d/%d|llm=%s/%s/%v|strict=%t",
		c.VaultDir, c.DBPath, c.LogLevel,
		c.Lock.LockTimeoutMS, c.Lock.AcquireTimeoutMS, c.Lock.PollIntervalMS,
		c.Context.ContextWindow, c.Context.ReserveTokens,
		c.Context.FlushThreshold, c.Context.CompactThreshold, c.Context.CriticalThreshold,
		c.Scheduler.IntervalSeconds, c.Scheduler.MaxConcurrent,
		c.AgentLoop.MaxMessageLength, c.AgentLoop.LLMTimeoutSeconds, c.AgentLoop.HistoryLimit,
		c.LLM.Provider, c.LLM.Model, c.LLM.FallbackProviders, c.Scope.Strict)
	keys := make([]string, 0, len(c.Context.ContextLimits))
	for k := range c.Context.ContextLimits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|limit:%s=%d", k, c.Context.ContextLimits[k])
	}
	fmt.Fprintf(h, "|policy=%s", c.Allowlist.PolicyVersion())
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	guard := memory.DefaultGuardConfig()
	return Config{
		VaultDir: "vault",
		DBPath:   "vaultclaw.db",
		LogLevel: "info",
		Lock: LockConfig{
			LockTimeoutMS:    int((5 * time.Minute).Milliseconds()),
			AcquireTimeoutMS: int((30 * time.Second).Milliseconds()),
			PollIntervalMS:   100,
		},
		Context: ContextConfig{
			ContextWindow:     guard.ContextWindow,
			ReserveTokens:     guard.ReserveTokens,
			FlushThreshold:    guard.Thresholds.Flush,
			CompactThreshold:  guard.Thresholds.Compact,
			CriticalThreshold: guard.Thresholds.Critical,
			CompactionRatio:   0.5,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds: 60,
			MaxConcurrent:   5,
			HistorySize:     100,
			MaxRetries:      3,
		},
		Messaging: MessagingConfig{
			PollIntervalMS:      100,
			ReplyTimeoutSeconds: 30,
			RetentionDays:       30,
		},
		Allowlist: policy.Default(),
		Scope: ScopeConfig{
			ViolationLog: "scope_violations.jsonl",
		},
		AgentLoop: AgentLoopConfig{
			MaxMessageLength:  32000,
			LLMTimeoutSeconds: 120,
			HistoryLimit:      50,
			MaxToolRounds:     4,
		},
		LLM: LLMConfig{
			Provider:                "google",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		OTel: vcotel.Config{
			Exporter:    "none",
			ServiceName: "vaultclaw",
		},
		Inbox: InboxConfig{
			Enabled:        true,
			PollIntervalMS: 1000,
			Workers:        4,
		},
	}
}

// HomeDir returns VAULTCLAW_HOME, or ~/.vaultclaw.
func HomeDir() string {
	if override := os.Getenv("VAULTCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".vaultclaw")
}

// Load reads config.yaml from HomeDir onto the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml and policy.yaml onto the defaults,
// applies environment overrides and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create vaultclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if _, err := os.Stat(PolicyPath(cfg.HomeDir)); err == nil {
		a, err := policy.Load(PolicyPath(cfg.HomeDir))
		if err != nil {
			return cfg, err
		}
		cfg.Allowlist = a
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.VaultDir) == "" {
		cfg.VaultDir = def.VaultDir
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = def.DBPath
	}
	cfg.VaultDir = cfg.resolve(cfg.VaultDir)
	cfg.DBPath = cfg.resolve(cfg.DBPath)
	cfg.Scope.ViolationLog = filepath.Base(strings.TrimSpace(cfg.Scope.ViolationLog))
	if cfg.Scope.ViolationLog == "." {
		cfg.Scope.ViolationLog = ""
	}

	if cfg.Lock.LockTimeoutMS <= 0 {
		cfg.Lock.LockTimeoutMS = def.Lock.LockTimeoutMS
	}
	if cfg.Lock.AcquireTimeoutMS <= 0 {
		cfg.Lock.AcquireTimeoutMS = def.Lock.AcquireTimeoutMS
	}
	if cfg.Lock.PollIntervalMS <= 0 {
		cfg.Lock.PollIntervalMS = def.Lock.PollIntervalMS
	}
	if cfg.Context.ContextWindow <= 0 {
		cfg.Context.ContextWindow = def.Context.ContextWindow
	}
	if cfg.Context.ReserveTokens < 0 {
		cfg.Context.ReserveTokens = 0
	}
	if cfg.Context.CompactionRatio <= 0 || cfg.Context.CompactionRatio > 1 {
		cfg.Context.CompactionRatio = def.Context.CompactionRatio
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = def.Scheduler.IntervalSeconds
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = def.Scheduler.MaxConcurrent
	}
	if cfg.Scheduler.HistorySize <= 0 {
		cfg.Scheduler.HistorySize = def.Scheduler.HistorySize
	}
	if cfg.Messaging.PollIntervalMS <= 0 {
		cfg.Messaging.PollIntervalMS = def.Messaging.PollIntervalMS
	}
	if cfg.Messaging.ReplyTimeoutSeconds <= 0 {
		cfg.Messaging.ReplyTimeoutSeconds = def.Messaging.ReplyTimeoutSeconds
	}
	if cfg.AgentLoop.MaxMessageLength <= 0 {
		cfg.AgentLoop.MaxMessageLength = def.AgentLoop.MaxMessageLength
	}
	if cfg.AgentLoop.LLMTimeoutSeconds <= 0 {
		cfg.AgentLoop.LLMTimeoutSeconds = def.AgentLoop.LLMTimeoutSeconds
	}
	if cfg.AgentLoop.HistoryLimit <= 0 {
		cfg.AgentLoop.HistoryLimit = def.AgentLoop.HistoryLimit
	}
	if cfg.AgentLoop.MaxToolRounds <= 0 {
		cfg.AgentLoop.MaxToolRounds = def.AgentLoop.MaxToolRounds
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	seen := map[string]bool{cfg.LLM.Provider: true}
	fallbacks := cfg.LLM.FallbackProviders[:0]
	for _, p := range cfg.LLM.FallbackProviders {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "gemini" {
			p = "google"
		}
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		fallbacks = append(fallbacks, p)
	}
	cfg.LLM.FallbackProviders = fallbacks
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = def.LLM.FailoverThreshold
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = def.LLM.FailoverCooldownSeconds
	}

	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
	if cfg.OTel.Path == "" {
		cfg.OTel.Path = filepath.Join("logs", "traces.jsonl")
	}
	cfg.OTel.Path = cfg.resolve(cfg.OTel.Path)
	if cfg.Inbox.PollIntervalMS <= 0 {
		cfg.Inbox.PollIntervalMS = def.Inbox.PollIntervalMS
	}
	if cfg.Inbox.Workers <= 0 {
		cfg.Inbox.Workers = def.Inbox.Workers
	}
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.HomeDir == "" {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// Validate reports settings that normalize cannot repair.
func (c Config) Validate() error {
	if err := c.Context.Guard().Validate(); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	if err := c.Allowlist.Validate(); err != nil {
		return fmt.Errorf("allowlist: %w", err)
	}
	if err := c.OTel.Validate(); err != nil {
		return err
	}
	// Turns renew their lease before each model call, so one lease must
	// outlast a single call.
	if c.Lock.LockTimeout() <= c.AgentLoop.LLMTimeout() {
		return fmt.Errorf("lock.lock_timeout_ms (%s) must exceed agent_loop.llm_timeout_seconds (%s)", c.Lock.LockTimeout(), c.AgentLoop.LLMTimeout())
	}
	for _, expr := range c.Inbox.BlockPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("inbox.block_patterns: %w", err)
		}
	}
	return nil
}

// Model returns the configured model for provider: the llm.model for the
// primary provider, else the providers entry.
func (c Config) Model(provider string) string {
	if provider == c.LLM.Provider && c.LLM.Model != "" {
		return c.LLM.Model
	}
	if p, ok := c.LLM.Providers[provider]; ok {
		return p.Model
	}
	return ""
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.LLM.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envBool(name string, dst *bool) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VAULTCLAW_VAULT_DIR"); raw != "" {
		cfg.VaultDir = raw
	}
	if raw := os.Getenv("VAULTCLAW_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("VAULTCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	envInt("VAULTCLAW_LOCK_TIMEOUT_MS", &cfg.Lock.LockTimeoutMS)
	envInt("VAULTCLAW_ACQUIRE_TIMEOUT_MS", &cfg.Lock.AcquireTimeoutMS)
	envInt("VAULTCLAW_CONTEXT_WINDOW", &cfg.Context.ContextWindow)
	envInt("VAULTCLAW_SCHEDULER_INTERVAL_SECONDS", &cfg.Scheduler.IntervalSeconds)
	envInt("VAULTCLAW_SCHEDULER_MAX_CONCURRENT", &cfg.Scheduler.MaxConcurrent)
	envInt("VAULTCLAW_LLM_TIMEOUT_SECONDS", &cfg.AgentLoop.LLMTimeoutSeconds)
	envInt("VAULTCLAW_INBOX_WORKERS", &cfg.Inbox.Workers)
	envBool("VAULTCLAW_SCOPE_STRICT", &cfg.Scope.Strict)
	envBool("VAULTCLAW_INBOX_ENABLED", &cfg.Inbox.Enabled)
	envBool("VAULTCLAW_OTEL_ENABLED", &cfg.OTel.Enabled)
	if raw := os.Getenv("VAULTCLAW_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("VAULTCLAW_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("VAULTCLAW_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
	}
	if raw := os.Getenv("VAULTCLAW_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
