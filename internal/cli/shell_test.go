package cli_test

import (
	"strings"
	"testing"

	"github.com/calvinalkan/fixgate/internal/cli"
	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

func Test_Shell_Runs_Scripted_Session_When_Input_Not_Terminal(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.Seed(seqindex.Record{SessionID: 4, SequenceNumber: 40})

	script := strings.Join([]string{
		"# comments and blank lines are ignored",
		"",
		"get 4",
		"set 4 0 41 2 128",
		"set '5' 1 7",
		"get 4",
		"get 5 1",
		"get 6",
		"pos 2",
		"positions",
		`set "unterminated`,
		"set 1 2",
		"bogus",
		"stats",
		"exit",
		"get 4",
	}, "\n")

	stdout := c.MustRunWithInput(script, "shell")
	lines := strings.Split(stdout, "\n")

	want := []string{"40", "ok", "ok", "41", "7", "unknown", "128", "2 128"}
	if len(lines) < len(want) {
		t.Fatalf("got %d lines, want at least %d\nstdout:\n%s", len(lines), len(want), stdout)
	}

	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("line %d=%q, want=%q\nstdout:\n%s", i, lines[i], w, stdout)
		}
	}

	cli.AssertContains(t, stdout, "error: Unterminated double-quoted string")
	cli.AssertContains(t, stdout, "usage: set <session> <index> <seq> [conn offset]")
	cli.AssertContains(t, stdout, `unknown command "bogus"`)
	cli.AssertContains(t, stdout, "records=2 entries=2 positions=1")

	// Nothing after exit runs.
	if n := strings.Count(stdout, "41"); n != 1 {
		t.Fatalf("seq 41 printed %d times, want 1 (commands after exit must not run)", n)
	}

	// The session is persisted on exit.
	if got, want := c.MustRun("lookup", "5", "1"), "7"; got != want {
		t.Errorf("lookup 5 1=%q, want=%q", got, want)
	}
}

func Test_Shell_Reset_And_Flush_Persist_When_Requested(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.Seed(seqindex.Record{SessionID: 1, SequenceNumber: 1})

	stdout := c.MustRunWithInput("reset\nflush\nget 1\n", "shell")

	cli.AssertContains(t, stdout, "flushes=1 failures=0")
	cli.AssertContains(t, stdout, "unknown")

	if got, want := c.MustRun("lookup", "1"), "unknown"; got != want {
		t.Errorf("lookup after reset=%q, want=%q", got, want)
	}
}
