package cli

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/fixgate/internal/config"
	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

// ShellCmd returns the shell command.
func ShellCmd(cfg *config.Config, logger *slog.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Interactive session on a live index",
		Long: `Open the index as its writer and read commands interactively.
Type 'help' inside the shell for the command list. The index is flushed
on exit.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execShell(ctx, o, cfg, logger)
		},
	}
}

var shellCommands = []string{
	"get", "pos", "positions", "set", "reset", "flush", "stats", "help", "exit", "quit",
}

// prompter reads one command line at a time.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// scanPrompter reads lines from a non-interactive stream.
type scanPrompter struct {
	scanner *bufio.Scanner
}

func (p *scanPrompter) Prompt(string) (string, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return p.scanner.Text(), nil
}

func (p *scanPrompter) AppendHistory(string) {}

func (p *scanPrompter) Close() error { return nil }

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".seqidx_history")
}

func newPrompter(in io.Reader) (prompter, func()) {
	if f, ok := in.(*os.File); !ok || f != os.Stdin {
		return &scanPrompter{scanner: bufio.NewScanner(in)}, func() {}
	}

	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	state.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range shellCommands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}

		return out
	})

	path := historyFile()

	if f, err := os.Open(path); err == nil {
		_, _ = state.ReadHistory(f)
		_ = f.Close()
	}

	save := func() {
		if path == "" {
			return
		}

		if f, err := os.Create(path); err == nil {
			_, _ = state.WriteHistory(f)
			_ = f.Close()
		}
	}

	return state, save
}

type shell struct {
	o *IO
	w *seqindex.Writer
}

func execShell(ctx context.Context, o *IO, cfg *config.Config, logger *slog.Logger) error {
	w, err := openWriter(cfg, logger, seqindex.ErrorHandlerFunc(func(err error) {
		o.Println("fault:", err)
	}))
	if err != nil {
		return err
	}

	p, saveHistory := newPrompter(o.In())

	sh := &shell{o: o, w: w}
	loopErr := sh.loop(ctx, p)

	saveHistory()

	closeErr := p.Close()
	flushErr := w.Close()

	if flushErr != nil {
		flushErr = fmt.Errorf("closing index: %w", flushErr)
	}

	return errors.Join(loopErr, closeErr, flushErr)
}

func (sh *shell) loop(ctx context.Context, p prompter) error {
	for ctx.Err() == nil {
		line, err := p.Prompt("seqidx> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p.AppendHistory(line)

		words, err := shellquote.Split(line)
		if err != nil {
			sh.o.Println("error:", err)

			continue
		}

		if len(words) == 0 {
			continue
		}

		done, err := sh.exec(strings.ToLower(words[0]), words[1:])
		if err != nil {
			sh.o.Println("error:", err)
		}

		if done {
			return nil
		}

		sh.w.DoWork()
	}

	return nil
}

func (sh *shell) exec(name string, args []string) (bool, error) {
	switch name {
	case "exit", "quit", "q":
		return true, nil
	case "help", "?":
		sh.help()
	case "get":
		return false, sh.get(args)
	case "pos":
		return false, sh.pos(args)
	case "positions":
		sh.positions()
	case "set":
		return false, sh.set(args)
	case "reset":
		sh.w.ResetSequenceNumbers()
		sh.o.Println("ok")
	case "flush":
		sh.w.RequestFlush()
		sh.w.DoWork()
		sh.o.Printf("flushes=%d failures=%d\n", sh.w.Stats().Flushes, sh.w.Stats().FlushFailures)
	case "stats":
		sh.stats()
	default:
		return false, fmt.Errorf("unknown command %q (type 'help' for commands)", name)
	}

	return false, nil
}

func (sh *shell) help() {
	sh.o.Println("Commands:")
	sh.o.Println("  get <session> [index]                     Last known sequence number")
	sh.o.Println("  pos <connection>                          Indexed stream position")
	sh.o.Println("  positions                                 All indexed positions")
	sh.o.Println("  set <session> <index> <seq> [conn offset] Record an inbound message")
	sh.o.Println("  reset                                     Forget every sequence number")
	sh.o.Println("  flush                                     Persist now")
	sh.o.Println("  stats                                     Writer counters")
	sh.o.Println("  exit / quit / q                           Flush and exit")
}

func (sh *shell) get(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: get <session> [index]")
	}

	session, err := parseSession(args[0])
	if err != nil {
		return err
	}

	index := int32(seqindex.DefaultSequenceIndex)

	if len(args) == 2 {
		index, err = parseInt32("sequence index", args[1])
		if err != nil {
			return err
		}
	}

	sh.o.Println(formatSeq(sh.w.LastKnownSequenceNumber(session, index)))

	return nil
}

func (sh *shell) pos(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: pos <connection>")
	}

	conn, err := parseInt64("connection id", args[0])
	if err != nil {
		return err
	}

	sh.o.Println(sh.w.IndexedPosition(conn))

	return nil
}

func (sh *shell) positions() {
	all := sh.w.IndexedPositions()

	conns := make([]int64, 0, len(all))
	for c := range all {
		conns = append(conns, c)
	}

	slices.SortFunc(conns, cmp.Compare[int64])

	for _, c := range conns {
		sh.o.Printf("%d %d\n", c, all[c])
	}
}

func (sh *shell) set(args []string) error {
	if len(args) != 3 && len(args) != 5 {
		return errors.New("usage: set <session> <index> <seq> [conn offset]")
	}

	session, err := parseSession(args[0])
	if err != nil {
		return err
	}

	index, err := parseInt32("sequence index", args[1])
	if err != nil {
		return err
	}

	seq, err := parseInt32("sequence number", args[2])
	if err != nil {
		return err
	}

	rec := seqindex.Record{SessionID: session, SequenceIndex: index, SequenceNumber: seq}

	if len(args) == 5 {
		rec.ConnectionID, err = parseInt64("connection id", args[3])
		if err != nil {
			return err
		}

		rec.StreamOffset, err = parseInt64("stream offset", args[4])
		if err != nil {
			return err
		}
	}

	err = sh.w.OnRecord(rec)
	if err != nil {
		return err
	}

	sh.o.Println("ok")

	return nil
}

func (sh *shell) stats() {
	s := sh.w.Stats()

	sh.o.Printf("records=%d entries=%d positions=%d\n", s.Records, s.Entries, s.Positions)
	sh.o.Printf("entry_capacity=%d position_capacity=%d rolls=%d\n", s.EntryCapacity, s.PositionCapacity, s.Rolls)
	sh.o.Printf("flushes=%d flush_failures=%d resets=%d\n", s.Flushes, s.FlushFailures, s.Resets)
}
