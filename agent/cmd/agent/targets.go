package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fleetmon/fleetmon/agent/internal/config"
	"github.com/fleetmon/fleetmon/agent/internal/registry"
)

const usage = `usage: fleetmon-agent [-config path] targets list
       fleetmon-agent [-config path] targets remove <name>`

// runCommand handles the maintenance commands for the SQLite registry and
// returns the process exit code.
func runCommand(cfg *config.Config, args []string) int {
	if args[0] != "targets" || len(args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	if cfg.Registry.Backend != config.BackendSQLite {
		fmt.Fprintln(os.Stderr, "targets: only the sqlite registry backend is editable; edit the config file instead")
		return 2
	}

	db, err := registry.OpenSQLite(cfg.Registry.Path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case args[1] == "list" && len(args) == 2:
		err = listTargets(ctx, db)
	case args[1] == "remove" && len(args) == 3:
		err = db.RemoveTarget(ctx, args[2])
	default:
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func listTargets(ctx context.Context, db *registry.SQLite) error {
	targets, err := db.ListTargets(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENGINE\tADDR\tDATABASE\tLAST CHECK\tLAST ERROR")
	for _, t := range targets {
		check, lastErr := "never", ""
		rec, ok, err := db.Health(ctx, t.Name)
		if err != nil {
			return err
		}
		if ok {
			check = rec.LastCheck.UTC().Format(time.RFC3339)
			lastErr = rec.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.Name, t.Engine, t.Addr(), t.DatabaseName(), check, lastErr)
	}
	return w.Flush()
}
