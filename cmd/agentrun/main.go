// Command agentrun is the process entrypoint: it wires the engine's
// collaborators together (store, script host, chat client, policy, event
// bus), starts the Action Executor, and exposes the thinnest possible CLI
// over it. Argument parsing and interactive UX are explicit non-goals of
// the engine itself; this binary only needs enough surface to drive it
// from a shell or a script.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/basket/agentrun/internal/actionexec"
	"github.com/basket/agentrun/internal/audit"
	"github.com/basket/agentrun/internal/chatclient"
	"github.com/basket/agentrun/internal/chatclient/genkit"
	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/eventbus"
	"github.com/basket/agentrun/internal/hub"
	"github.com/basket/agentrun/internal/pathctx"
	"github.com/basket/agentrun/internal/policy"
	"github.com/basket/agentrun/internal/scripthost"
	"github.com/basket/agentrun/internal/store"
	"github.com/basket/agentrun/internal/telemetry"
)

var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <agent> [input ...]

  %s -agents-dir ./agents greet "World"    Run the "greet" agent once per input
  %s -agents-dir ./agents -redo greet      Re-resolve and re-run the last agent
  %s -agents-dir ./agents -cancel <run-id> Cancel a run by id

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	homeDir := config.HomeDir()

	agentsDir := flag.String("agents-dir", filepath.Join(homeDir, "agents"), "directory of .md agent files")
	dbPath := flag.String("db", store.DefaultDBPath(), "path to the run/task sqlite store")
	provider := flag.String("provider", "google", "chat provider: google, anthropic, openai")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	redo := flag.Bool("redo", false, "re-resolve and re-run the last submitted agent")
	cancelRunID := flag.Int64("cancel", 0, "cancel the run with this id (0 with -redo absent cancels the current root run)")
	hubAddr := flag.String("hub-addr", "", "if set, serve a live run-event WebSocket feed on this address (e.g. :8787)")
	hubToken := flag.String("hub-token", "", "bearer token required to connect to -hub-addr")
	traceExporter := flag.String("trace-exporter", "", "otlp-http, stdout, or none/empty to disable tracing")
	flag.Usage = printUsage
	flag.Parse()

	logger, logCloser, err := telemetry.NewLogger(homeDir, *logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := audit.Init(homeDir); err != nil {
		logger.Warn("audit init failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewWithLogger(logger)
	st, err := store.Open(*dbPath, bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	pol, err := policy.Load(filepath.Join(homeDir, "policy.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: load policy: %v\n", err)
		os.Exit(1)
	}
	livepolicy := policy.NewLivePolicy(pol, filepath.Join(homeDir, "policy.yaml"))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: load config: %v\n", err)
		os.Exit(1)
	}
	apiKey := cfg.LLMProviderAPIKey(*provider)
	var chat chatclient.ChatClient
	chat, err = genkit.New(ctx, genkit.Config{Provider: *provider, APIKey: apiKey})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: init chat client: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*agentsDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: create agents dir: %v\n", err)
		os.Exit(1)
	}
	resolver, err := actionexec.NewFileResolver(*agentsDir, packBases(homeDir), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: index agents dir: %v\n", err)
		os.Exit(1)
	}
	if err := resolver.Watch(ctx); err != nil {
		logger.Warn("agent directory watch failed", "error", err)
	}

	pc, err := pathctx.New(*agentsDir, filepath.Join(os.TempDir(), "agentrun"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: build path context: %v\n", err)
		os.Exit(1)
	}
	host, err := scripthost.NewHost(ctx, scripthost.Config{Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: init script host: %v\n", err)
		os.Exit(1)
	}
	defer host.Close(ctx)
	scripthost.RegisterStandardModules(host, pc, livepolicy)

	tracing, err := telemetry.InitTracing(ctx, telemetry.TraceConfig{
		Enabled:  *traceExporter != "",
		Exporter: *traceExporter,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: init tracing: %v\n", err)
		os.Exit(1)
	}
	defer tracing.Shutdown(ctx)
	metrics, err := telemetry.NewMetrics(tracing.Meter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: init metrics: %v\n", err)
		os.Exit(1)
	}

	executor := actionexec.New(resolver, actionexec.Collaborators{
		Store:      st,
		Host:       host,
		ChatClient: chat,
		Policy:     livepolicy,
		Bus:        bus,
		Tracer:     tracing.Tracer,
		Metrics:    metrics,
	})
	executor.Start(ctx)

	if *hubAddr != "" {
		hubServer := hub.New(bus, *hubToken, logger)
		go func() {
			if err := hub.ListenAndServe(ctx, *hubAddr, hubServer); err != nil {
				logger.Error("hub: server stopped", "error", err)
			}
		}()
	}

	switch {
	case hasCancelFlag():
		executor.SubmitCancelRun(*cancelRunID)
	case *redo:
		res, err := executor.SubmitRedo(ctx)
		report(res, err)
	default:
		if flag.NArg() == 0 {
			printUsage()
			os.Exit(2)
		}
		agentRef := flag.Arg(0)
		inputs := make([]any, 0, flag.NArg()-1)
		for _, raw := range flag.Args()[1:] {
			inputs = append(inputs, raw)
		}
		res, err := executor.SubmitCmdRun(ctx, agentRef, inputs, nil)
		report(res, err)
	}
}

// hasCancelFlag distinguishes "-cancel 0" (explicitly cancel the root run)
// from the flag being entirely absent.
func hasCancelFlag() bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "cancel" {
			found = true
		}
	})
	return found
}

func packBases(homeDir string) []pathctx.PackBase {
	packsDir := filepath.Join(homeDir, "packs")
	entries, err := os.ReadDir(packsDir)
	if err != nil {
		return nil
	}
	var bases []pathctx.PackBase
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ns, pack, ok := strings.Cut(e.Name(), "@")
		if !ok {
			continue
		}
		bases = append(bases, pathctx.PackBase{Namespace: ns, Pack: pack, Dir: filepath.Join(packsDir, e.Name())})
	}
	return bases
}

func report(res actionexec.RunResult, err error) {
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	if err != nil {
		fmt.Fprintf(w, "run %s failed: %v\n", res.RunUID, err)
		os.Exit(1)
	}
	fmt.Fprintf(w, "run %s ended %s\n", res.RunUID, res.Outcome.EndState)
	if res.Outcome.AfterAll != nil {
		fmt.Fprintf(w, "after_all: %v\n", res.Outcome.AfterAll)
	}
	for i, out := range res.Outcome.Outputs {
		fmt.Fprintf(w, "output[%d]: %v\n", i, out)
	}
}
