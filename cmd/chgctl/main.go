package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snowops/chgctl/pkg/config"
	"github.com/snowops/chgctl/pkg/lifecycle"
	"github.com/snowops/chgctl/pkg/snowchange"
	util_log "github.com/snowops/chgctl/pkg/util/log"
)

const usageText = `usage: chgctl [flags] <command> [command flags]

Commands:
  create  Create a new standard change from the configured template
  update  Move an existing change to Implement, Review or Closed
  close   Close an existing change with a result
  get     Read the current state of a change
  run     Execute the full lifecycle: create, Implement, Review, close, verify

Connection parameters come from SNOW_URL, SNOW_USER, SNOW_PASSWORD and
SNOW_STANDARD_CHANGE, optionally seeded from -config.file. DEBUG=true
enables debug logging.
`

func main() {
	var (
		configFile string
		jsonOut    bool
	)

	fs := flag.NewFlagSet("chgctl", flag.ExitOnError)
	fs.StringVar(&configFile, "config.file", "", `Optional yaml config file.`)
	fs.BoolVar(&jsonOut, "json", false, `Print the raw result envelope instead of KEY=VALUE lines.`)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if configFile != "" {
		if err := config.LoadFile(configFile, cfg); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}
	cfg.ApplyEnv(nil)

	util_log.InitLogger(&cfg.Log, cfg.Debug)
	util_log.CheckFatal("resolving configuration", cfg.Validate())

	client := snowchange.New(cfg.Client, prometheus.NewPedanticRegistry(), util_log.Logger)

	rec, err := dispatch(context.Background(), args[0], args[1:], cfg, client)
	util_log.CheckFatal("running "+args[0], err)

	printRecord(os.Stdout, rec, jsonOut)
}

func dispatch(ctx context.Context, command string, args []string, cfg *config.Config, client *snowchange.Client) (*snowchange.ChangeRecord, error) {
	switch command {
	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		shortDescription := fs.String("short-description", "", `Short description for the new change.`)
		assignmentGroup := fs.String("assignment-group", "", `Assignment group sys_id.`)
		templateRef := fs.String("standard-change", cfg.TemplateRef, `Standard change template sys_id.`)
		_ = fs.Parse(args)

		return client.Create(ctx, snowchange.CreateParams{
			TemplateRef:      *templateRef,
			ShortDescription: *shortDescription,
			AssignmentGroup:  *assignmentGroup,
		})

	case "update":
		fs := flag.NewFlagSet("update", flag.ExitOnError)
		sysID := fs.String("sys-id", "", `Sys_id of the change to update.`)
		state := fs.String("state", "", `Target state: Implement, Review or Closed.`)
		result := fs.String("result", "", `Close code, required when -state Closed.`)
		_ = fs.Parse(args)

		if snowchange.State(*state) == snowchange.StateClosed {
			if *result == "" {
				return nil, errors.New("-result is required when -state Closed")
			}
			return client.Close(ctx, *sysID, snowchange.CloseCode(*result))
		}
		return client.Update(ctx, *sysID, snowchange.State(*state))

	case "close":
		fs := flag.NewFlagSet("close", flag.ExitOnError)
		sysID := fs.String("sys-id", "", `Sys_id of the change to close.`)
		result := fs.String("result", string(snowchange.CloseSuccessful), `Close code: successful or unsuccessful.`)
		_ = fs.Parse(args)

		return client.Close(ctx, *sysID, snowchange.CloseCode(*result))

	case "get":
		fs := flag.NewFlagSet("get", flag.ExitOnError)
		sysID := fs.String("sys-id", "", `Sys_id of the change to read.`)
		_ = fs.Parse(args)

		return client.Get(ctx, *sysID)

	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		shortDescription := fs.String("short-description", "", `Short description for the new change.`)
		assignmentGroup := fs.String("assignment-group", "", `Assignment group sys_id.`)
		result := fs.String("result", "", `Close code to finish with, overrides the configured one.`)
		_ = fs.Parse(args)

		lcfg := cfg.Lifecycle
		if *result != "" {
			lcfg.Result = *result
		}

		runner := lifecycle.New(lcfg, client, util_log.Logger)
		return runner.Run(ctx, snowchange.CreateParams{
			TemplateRef:      cfg.TemplateRef,
			ShortDescription: *shortDescription,
			AssignmentGroup:  *assignmentGroup,
		})

	default:
		return nil, errors.Errorf("unknown command: %s", command)
	}
}

func printRecord(w *os.File, rec *snowchange.ChangeRecord, jsonOut bool) {
	if rec == nil {
		return
	}

	if jsonOut {
		fmt.Fprintln(w, string(rec.Raw))
		return
	}

	fmt.Fprintln(w, "CHANGE_NUMBER="+rec.Number)
	fmt.Fprintln(w, "CHANGE_SYS_ID="+rec.SysID)
	fmt.Fprintln(w, "CHANGE_STATE="+string(rec.State))
	if rec.CloseCode != "" {
		fmt.Fprintln(w, "CHANGE_CLOSE_CODE="+string(rec.CloseCode))
	}
}
