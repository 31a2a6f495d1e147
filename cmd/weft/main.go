package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/eferist/weft/internal/capability"
	"github.com/eferist/weft/internal/config"
	"github.com/eferist/weft/internal/engine"
	"github.com/eferist/weft/internal/invoke"
	"github.com/eferist/weft/internal/journal"
	"github.com/eferist/weft/internal/plan"
	"github.com/eferist/weft/internal/providers"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  weft run --plan <file.yaml|file.json> [--config <run.yaml>] [--run-id <id>] [--journal <file.db>] [--offline]")
	fmt.Fprintln(os.Stderr, "  weft validate --plan <file.yaml|file.json>")
}

// fatal reports a usage or construction failure. Run failures exit 1 instead;
// they are outcomes, not errors.
func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}

func runCmd(args []string) {
	var planPath string
	var configPath string
	var runID string
	var journalPath string
	var offline bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--offline":
			offline = true
		case "--plan":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan requires a value")
				os.Exit(2)
			}
			planPath = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(2)
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(2)
			}
			runID = args[i]
		case "--journal":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--journal requires a value")
				os.Exit(2)
			}
			journalPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}

	if planPath == "" {
		usage()
		os.Exit(2)
	}

	// Best effort; provider keys may come from the environment directly.
	_ = godotenv.Load()

	p, err := plan.LoadFile(planPath)
	if err != nil {
		fatal(err)
	}

	var cfg *config.File
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			fatal(err)
		}
	}
	if cfg == nil && !offline {
		fmt.Fprintln(os.Stderr, "a config file is required unless --offline is set")
		os.Exit(2)
	}

	opts := engine.Options{RunID: runID}
	if offline {
		opts.AgentChain = []invoke.Strategy{providers.NewScripted("offline/agent")}
		opts.SynthesizerChain = []invoke.Strategy{providers.NewScripted("offline/synthesizer")}
	} else {
		table := cfg.ProviderTable()
		agentChain, err := providers.BuildChain(cfg.Chains.Agent, table)
		if err != nil {
			fatal(err)
		}
		if len(agentChain) == 0 {
			fmt.Fprintln(os.Stderr, "chains.agent is empty; every subtask would fail")
			os.Exit(2)
		}
		synthChain, err := providers.BuildChain(cfg.Chains.Synthesizer, table)
		if err != nil {
			fatal(err)
		}
		opts.AgentChain = agentChain
		opts.SynthesizerChain = synthChain
	}

	if cfg != nil {
		opts.Backoff = cfg.EngineBackoff()
		opts.MaxParallel = *cfg.MaxParallel
		if journalPath == "" {
			journalPath = cfg.Journal.Path
		}
		if cfg.Capabilities.Manifest != "" {
			man, err := capability.LoadManifest(cfg.Capabilities.Manifest)
			if err != nil {
				fatal(err)
			}
			reg, err := man.Build()
			if err != nil {
				fatal(err)
			}
			opts.Resolver = reg
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var j *journal.Journal
	if journalPath != "" {
		j, err = journal.Open(journalPath)
		if err != nil {
			fatal(err)
		}
		defer func() {
			_ = j.Close()
		}()
		if err := j.Migrate(ctx); err != nil {
			fatal(err)
		}
		opts.Observer = j
	}

	e, err := engine.New(p, opts)
	if err != nil {
		fatal(err)
	}

	res, runErr := e.Run(ctx)
	if res == nil {
		fatal(runErr)
	}

	if j != nil {
		// Journal trouble degrades to warnings; the run result stands.
		if err := j.RecordRun(context.Background(), *res); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: journal: %v\n", err)
		}
		if err := j.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: journal: %v\n", err)
		}
	}

	fmt.Fprintf(os.Stderr, "run_id=%s\n", res.RunID)
	fmt.Fprintf(os.Stderr, "fingerprint=%s\n", res.PlanFingerprint)
	fmt.Fprintf(os.Stderr, "status=%s\n", res.Status)
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "canceled: %v\n", runErr)
	}

	fmt.Println(res.Output)

	switch res.Status {
	case engine.FinalSuccess, engine.FinalPartial:
		os.Exit(0)
	default:
		os.Exit(1)
	}
}

func validateCmd(args []string) {
	var planPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan requires a value")
				os.Exit(2)
			}
			planPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}
	if planPath == "" {
		usage()
		os.Exit(2)
	}

	doc, err := plan.LoadDocumentFile(planPath)
	if err != nil {
		fatal(err)
	}

	diags := plan.Validate(doc.Subtasks)
	hasError := false
	for _, d := range diags {
		fmt.Printf("%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
		if d.Severity == plan.SeverityError {
			hasError = true
		}
	}
	if hasError {
		os.Exit(1)
	}
	fmt.Printf("ok: %s\n", filepath.Base(planPath))
	os.Exit(0)
}
