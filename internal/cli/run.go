// Package cli implements the seqidx command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/fixgate/internal/config"
)

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. The first signal on it cancels the running command; long
// running commands such as ingest then shut down cleanly.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("seqidx", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{})

	var (
		workDir    = globals.StringP("cwd", "C", "", "Run as if started in `dir`")
		configPath = globals.StringP("config", "c", "", "Use specified config `file`")
		indexPath  = globals.String("index", "", "Sequence index `path` (overrides index_path)")
		logLevel   = globals.String("log-level", "", "Log `level`: debug, info, warn, error")
		help       = globals.BoolP("help", "h", false, "Show help")
	)

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globals, commands(nil, nil))

		return 1
	}

	rest := globals.Args()

	if *help || len(rest) == 0 {
		printUsage(out, globals, commands(nil, nil))

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    *workDir,
		ConfigPath: *configPath,
		Overrides:  config.Overrides{IndexPath: *indexPath, LogLevel: *logLevel},
		Env:        env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger := newLogger(errOut, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				logger.Info("signal received, shutting down")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	all := commands(&cfg, logger)

	name := rest[0]
	for _, cmd := range all {
		if cmd.Name() == name {
			return cmd.Run(ctx, NewIO(in, out, errOut), rest[1:])
		}
	}

	fprintln(errOut, "error: unknown command:", name)
	printUsage(errOut, globals, all)

	return 1
}

func commands(cfg *config.Config, logger *slog.Logger) []*Command {
	return []*Command{
		InspectCmd(cfg),
		LookupCmd(cfg),
		PositionsCmd(cfg),
		VerifyCmd(cfg),
		IngestCmd(cfg, logger),
		ResetCmd(cfg, logger),
		ShellCmd(cfg, logger),
		PrintConfigCmd(cfg),
	}
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, cmds []*Command) {
	fprintln(w, `seqidx - FIX sequence number index tool

Usage: seqidx [global flags] <command> [args]

Global flags:`)

	var buf strings.Builder
	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})
	_, _ = io.WriteString(w, buf.String())

	if len(cmds) == 0 {
		return
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}
}
