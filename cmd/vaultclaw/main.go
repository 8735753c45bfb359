package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/vaultclaw/internal/config"
	"github.com/basket/vaultclaw/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Command output goes through these so tests can capture it.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func printUsage() {
	fmt.Fprintf(stderr, `Usage: %[1]s <command> [arguments]

COMMANDS:
  init [-bare]                         Create config.yaml, the vault, the admin and starter agents
  run                                  Start the daemon: scheduler, mailbox turns, config reload
  send [-session ID] <agent> <message> Run one turn for an agent and print the reply
  invoke [-from ID] [-timeout D] <skill> <task>
                                       Delegate a task to a skill over the mailbox and wait
  spawn -type skill|project -name N    Create an agent (AGENT.md, MEMORY.md, registry entry)
  archive <agent>                      Archive an agent
  agents [-type T] [-all] [-capability C]
                                       List registered agents
  sessions <agent>                     List an agent's sessions
  schedules [list|add|rm|history]      Manage cron schedules
  models                               List models for configured providers
  doctor [-json]                       Run diagnostic checks
  version                              Print the version

ENVIRONMENT VARIABLES:
  VAULTCLAW_HOME          Data directory (default: ~/.vaultclaw)
  GEMINI_API_KEY          Key for the google provider
  ANTHROPIC_API_KEY       Key for the anthropic provider
  OPENAI_API_KEY          Key for the openai provider
  OPENROUTER_API_KEY      Key for the openrouter provider

EXAMPLES:
  %[1]s init
  %[1]s spawn -type skill -name Translator -cap translate
  %[1]s send writer "Draft the release notes"
  %[1]s schedules add -agent admin -cron "0 9 * * 1-5" -prompt "Plan the day"
  %[1]s run
`, "vaultclaw")
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(dispatch(ctx, flag.Args()))
}

// dispatch runs the named subcommand and returns its exit code.
func dispatch(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "init":
		return runInitCommand(ctx, rest)
	case "run", "daemon":
		return runDaemonCommand(ctx, rest)
	case "send":
		return runSendCommand(ctx, rest)
	case "invoke":
		return runInvokeCommand(ctx, rest)
	case "spawn":
		return runSpawnCommand(ctx, rest)
	case "archive":
		return runArchiveCommand(ctx, rest)
	case "agents":
		return runAgentsCommand(ctx, rest)
	case "sessions":
		return runSessionsCommand(ctx, rest)
	case "schedules":
		return runSchedulesCommand(ctx, rest)
	case "models":
		return runModelsCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	}
	fmt.Fprintf(stderr, "unknown command %q\n", args[0])
	printUsage()
	return 2
}

// loadConfigAndLogger loads config and builds the logger. quiet keeps log
// lines out of stdout, which is the default unless stdout is a terminal
// running the daemon.
func loadConfigAndLogger(quiet bool) (config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("config load: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("logger init: %w", err)
	}
	return cfg, logger, closer, nil
}

// interactiveStdout reports whether stdout is a terminal.
func interactiveStdout() bool {
	f, ok := stdout.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	}
	fmt.Fprintf(
		stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
	return 1
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
