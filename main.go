// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/chain"
	"github.com/zosopentools/patchchain/internal/publish"
	"github.com/zosopentools/patchchain/internal/upstream"
	"github.com/zosopentools/patchchain/internal/util"
)

const shaLen = 7

var (
	// Version contains the application version number. It's set via ldflags
	// when building. (-ldflags="-X 'main.Version=${PATCHCHAIN_VERSION}'")
	Version = ""

	// CommitSHA contains the SHA of the commit that this application was built
	// against. It's set via ldflags when building.
	// (-ldflags="-X 'main.CommitSHA=$(git rev-parse HEAD)'")
	CommitSHA = ""
)

var commands = map[string]bool{
	"apply-patches":   true,
	"rebuild-patches": true,
	"sync-upstream":   true,
	"check-upstream":  true,
	"publish":         true,
	"status":          true,
	"version":         true,
	"help":            true,
}

type options struct {
	config  string
	json    bool
	force   bool
	verbose bool
	message string
	author  string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// Run a command line and return the process exit code
func run(args []string, stdin *os.File, stdout io.Writer, stderr io.Writer) int {
	var opts options
	flags := pflag.NewFlagSet("patchchain", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVarP(&opts.config, "config", "c", "", "Path to the workspace configuration")
	timeout := flags.Duration("timeout", 0, "Deadline for every operation, overrides the configuration")
	flags.BoolVar(&opts.json, "json", false, "Print a machine readable report")
	flags.BoolVarP(&opts.force, "force", "f", false, "Overwrite edited outputs and rebuild ambiguous changes")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVarP(&opts.message, "message", "m", "", "Subject of the patch collecting unattributed changes")
	flags.StringVar(&opts.author, "author", "", "Author recorded in rebuilt patches")
	help := flags.BoolP("help", "h", false, "Print help text")
	version := flags.Bool("version", false, "Display version information")

	if err := flags.Parse(args); err != nil {
		fmt.Fprintf(stderr, "%v; see 'patchchain help' for usage\n", err)
		return base.ExitUsage
	}

	command := flags.Arg(0)
	operands := []string{}
	if flags.NArg() > 1 {
		operands = flags.Args()[1:]
	}
	switch {
	case *help || command == "help":
		fmt.Fprintln(stdout, strings.TrimSpace(helpText))
		return base.ExitOK
	case *version || command == "version":
		fmt.Fprintln(stdout, versionString())
		return base.ExitOK
	case command == "":
		fmt.Fprintln(stderr, "No command provided; see 'patchchain help' for usage")
		return base.ExitUsage
	case !commands[command]:
		fmt.Fprintf(stderr, "Unknown command %q; see 'patchchain help' for usage\n", command)
		return base.ExitUsage
	case command == "publish" && len(operands) > 1:
		fmt.Fprintln(stderr, "publish takes at most one bundle name")
		return base.ExitUsage
	case command == "status" && len(operands) > 0:
		fmt.Fprintln(stderr, "status takes no arguments")
		return base.ExitUsage
	}

	logger := newLogger(stderr, opts.verbose)

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return base.ExitFailure
	}
	cfg, err := base.Load(base.ConfigPath(opts.config, cwd))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return base.ExitFailure
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if err := util.LoadDotEnv(cfg.Workspace); err != nil {
		logger.Warn("unable to load .env", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := chain.New(cfg, chain.Options{Logger: logger.With("command", command)})
	report := base.Report{Command: command}
	printer := &printer{out: stdout, quiet: opts.json}

	switch command {
	case "apply-patches":
		err = applyPatches(ctx, c, operands, opts, stdin, stdout, printer, &report)
	case "rebuild-patches":
		var outcomes []chain.TaskOutcome
		outcomes, err = c.RebuildAll(ctx, operands, chain.RebuildOptions{
			Message: opts.message,
			Author:  opts.author,
			Force:   opts.force,
		})
		report.Tasks = taskReports(outcomes)
		printer.tasks(report.Tasks)
	case "sync-upstream":
		var outcomes []chain.SyncOutcome
		outcomes, err = c.SyncAll(ctx, operands, upstream.Options{Force: opts.force})
		report.Upstreams, report.Tasks = syncReports(outcomes)
		printer.upstreams(report.Upstreams)
		printer.tasks(report.Tasks)
	case "check-upstream":
		var outcomes []chain.CheckOutcome
		outcomes, err = c.Check(ctx, operands)
		report.Upstreams = checkReports(outcomes)
		printer.upstreams(report.Upstreams)
	case "publish":
		name := ""
		if len(operands) == 1 {
			name = operands[0]
		}
		var receipt *publish.Receipt
		receipt, err = c.Publish(ctx, name)
		report.Publish = publishReport(receipt)
		printer.publish(report.Publish)
	case "status":
		var status *chain.Status
		status, err = c.Status(ctx)
		if status != nil {
			report.Upstreams, report.Tasks = statusReports(status)
			printer.upstreams(report.Upstreams)
			printer.tasks(report.Tasks)
		}
	}

	code := exitCode(err)
	if err != nil {
		report.Errors = append(report.Errors, base.Error{Code: code, Error: err.Error()})
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	if opts.json {
		data, jerr := json.MarshalIndent(report, "", "\t")
		if jerr != nil {
			fmt.Fprintf(stderr, "error: %v\n", jerr)
			return base.ExitFailure
		}
		fmt.Fprintln(stdout, string(data))
	}
	return code
}

// Apply, offering to overwrite edited outputs when run from a terminal
func applyPatches(ctx context.Context, c *chain.Chain, names []string, opts options, stdin *os.File, stdout io.Writer, p *printer, report *base.Report) error {
	outcomes, err := c.ApplyAll(ctx, names, opts.force)
	if errors.Is(err, base.ErrOutputModified) && !opts.json && stdin != nil && isatty.IsTerminal(stdin.Fd()) {
		fmt.Fprintf(stdout, "WARNING: %v\n", err)
		fmt.Fprintln(stdout, "WARNING: Applying will discard edits that were not rebuilt into patches")
		fmt.Fprint(stdout, "Apply anyways? [y/N]: ")
		confirm, _ := bufio.NewReader(stdin).ReadString('\n')
		if answer := strings.TrimSpace(confirm); answer == "y" || answer == "Y" {
			outcomes, err = c.ApplyAll(ctx, names, true)
		}
	}
	report.Tasks = taskReports(outcomes)
	p.tasks(report.Tasks)
	return err
}

func exitCode(err error) int {
	if errors.Is(err, chain.ErrUnknown) {
		return base.ExitUsage
	}
	return base.ExitCodeOf(err)
}

// Text logs on a terminal, JSON otherwise
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

func versionString() string {
	v := Version
	if v == "" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Sum != "" {
			v = info.Main.Version
		} else {
			v = "unknown (built from source)"
		}
	}
	if len(CommitSHA) >= shaLen {
		v += " (" + CommitSHA[:shaLen] + ")"
	}
	return v
}
