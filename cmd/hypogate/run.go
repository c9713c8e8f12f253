package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/gate"
	"github.com/odvcencio/hypogate/pkg/pipeline"
	"github.com/odvcencio/hypogate/pkg/statestore"
	"github.com/odvcencio/hypogate/pkg/telemetry"
)

func runRunCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	hypothesis := fs.String("hypothesis", "", "Hypothesis to test")
	normalizationPath := fs.String("normalization", "", "Claim normalization JSON file")
	falsificationPath := fs.String("falsification", "", "Falsification plan JSON file")
	datasetHint := fs.String("dataset", "", "Dataset path or URL tried first")
	conversation := fs.String("conversation", "", "Conversation key for state and reuse")
	turn := fs.String("turn", "", "Turn id for per-turn reuse")
	namespace := fs.String("namespace", pipeline.DefaultNamespace, "State namespace")
	discover := fs.Bool("discover", false, "Ask the model for dataset discovery hints")
	trace := fs.Bool("trace", false, "Print OpenTelemetry spans to stderr")
	asJSON := fs.Bool("json", false, "Print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if strings.TrimSpace(*hypothesis) == "" && fs.NArg() > 0 {
		*hypothesis = strings.Join(fs.Args(), " ")
	}
	if strings.TrimSpace(*hypothesis) == "" {
		return usageError(fmt.Errorf("usage: hypogate run --hypothesis TEXT [flags]"))
	}

	normalization, err := readOptionalFile(*normalizationPath)
	if err != nil {
		return err
	}
	falsification, err := readOptionalFile(*falsificationPath)
	if err != nil {
		return err
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}

	sessionID := ulid.Make().String()
	logger, closeLog := newLogger(cfg, sessionID)
	defer closeLog()

	if *trace {
		tp, err := telemetry.NewTracerProvider("hypogate", version, stderr)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(pipeline.Options{
		Config: cfg,
		Source: newSourceFn(cfg, logger),
		Store: statestore.New(cfg.StateDir(), statestore.Options{
			LockTimeout:  cfg.State.LockTimeout,
			StaleLockAge: cfg.State.StaleLockAge,
			Logger:       logger,
		}),
		Discovery: *discover,
		Logger:    logger,
	})
	res, err := p.Run(ctx, pipeline.Request{
		Hypothesis:    *hypothesis,
		Normalization: normalization,
		Falsification: falsification,
		DatasetHint:   *datasetHint,
		Namespace:     *namespace,
		Conversation:  *conversation,
		Turn:          *turn,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		if err := writeJSON(stdout, res); err != nil {
			return err
		}
	} else {
		printReport(stdout, res.Report)
		fmt.Fprintf(stdout, "run:      %s\n", res.RunID)
		fmt.Fprintf(stdout, "report:   %s\n", config.GateReportPath(cfg))
	}
	return decisionError(res.Decision)
}

func runGateCommand(args []string) error {
	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	resultsPath := fs.String("results", "", "Run result JSON written by 'hypogate run --json'")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *resultsPath == "" {
		return usageError(fmt.Errorf("usage: hypogate gate --results FILE"))
	}

	data, err := readInput(*resultsPath)
	if err != nil {
		return err
	}
	var stored pipeline.Result
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse results %s: %w", *resultsPath, err)
	}
	if strings.TrimSpace(stored.Request.Hypothesis) == "" && stored.Plan == nil {
		return fmt.Errorf("%s does not contain a run result", *resultsPath)
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	report := pipeline.Reevaluate(&stored, cfg.Gate)
	if *asJSON {
		if err := writeJSON(stdout, report); err != nil {
			return err
		}
	} else {
		printReport(stdout, report)
	}
	return decisionError(report.Decision)
}

func printReport(w io.Writer, r gate.Report) {
	fmt.Fprintf(w, "decision: %s\n", r.Decision)
	fmt.Fprintf(w, "overall:  %s\n", r.Stack.Overall)
	layers := []struct {
		name  string
		layer gate.Layer
	}{
		{"ontology", r.Stack.Ontology},
		{"epistemic", r.Stack.Epistemic},
		{"operational", r.Stack.Operational},
		{"universal", r.Stack.Universal},
	}
	for _, l := range layers {
		fmt.Fprintf(w, "  %-12s %-10s %s\n", l.name, l.layer.Verdict, l.layer.Reason)
	}
	for _, v := range r.Runners {
		fmt.Fprintf(w, "  runner %-20s %-6s %-8s %s\n", v.ID, v.Phase, v.Status, v.Signal.Truth)
	}
	fmt.Fprintf(w, "next:     %s\n", r.NextAction)
}

func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := readInput(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readInput reads a file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, usageError(fmt.Errorf("file not found: %s", path))
	}
	return data, err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
