package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/odvcencio/hypogate/pkg/contract"
	"github.com/odvcencio/hypogate/pkg/pipeline"
	"github.com/odvcencio/hypogate/pkg/statestore"
)

func runStateCommand(args []string) error {
	if len(args) == 0 {
		return usageError(fmt.Errorf("usage: hypogate state <show|path>"))
	}
	switch args[0] {
	case "show":
		return runStateShow(args[1:], false)
	case "path":
		return runStateShow(args[1:], true)
	default:
		return usageError(fmt.Errorf("unknown state command: %s", args[0]))
	}
}

func runStateShow(args []string, pathOnly bool) error {
	fs := flag.NewFlagSet("state show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	namespace := fs.String("namespace", pipeline.DefaultNamespace, "State namespace")
	conversation := fs.String("conversation", "", "Conversation key")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if strings.TrimSpace(*conversation) == "" {
		return usageError(fmt.Errorf("usage: hypogate state show --namespace NS --conversation KEY"))
	}

	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	store := statestore.New(cfg.StateDir(), statestore.Options{
		LockTimeout:  cfg.State.LockTimeout,
		StaleLockAge: cfg.State.StaleLockAge,
	})
	if pathOnly {
		fmt.Fprintln(stdout, store.Path(*namespace, *conversation))
		return nil
	}
	rec, err := store.Load(*namespace, *conversation)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no state recorded for %s/%s", *namespace, *conversation)
	}
	return writeJSON(stdout, rec)
}

func runValidateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	schema := fs.String("schema", "", "Schema id: analysis, normalization, falsification_plan, experiment_plan, dataset_discovery")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *schema == "" || fs.NArg() != 1 {
		return usageError(fmt.Errorf("usage: hypogate validate --schema ID FILE"))
	}

	data, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}
	doc, err := contract.Default().ParseDetailed(contract.SchemaID(*schema), string(data))
	if err != nil {
		return err
	}
	canonical, err := contract.Canonical(doc)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(canonical))
	return nil
}
