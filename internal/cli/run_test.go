package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/fixgate/internal/cli"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func Test_Bare_Command_Prints_Usage_When_Invoked(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"seqidx"}, nil, nil)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stdout.String(), "seqidx - FIX sequence number index tool")
	cli.AssertContains(t, stdout.String(), "--index")
	cli.AssertContains(t, stdout.String(), "lookup <session> [index]")
	cli.AssertContains(t, stdout.String(), "print-config")
}

func Test_Invalid_Global_Flag_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("--invalid-flag", "inspect")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")
	cli.AssertContains(t, stderr, "Global flags:")
	cli.AssertContains(t, stderr, "--config")
}

func Test_Unknown_Command_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Command_Help_Prints_Flags_When_Requested(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("ingest", "--help")

	cli.AssertContains(t, stdout, "Usage: seqidx ingest [flags]")
	cli.AssertContains(t, stdout, "--metrics-addr")
	cli.AssertContains(t, stdout, "--batch")
}

func Test_Print_Config_Shows_Defaults_When_No_Config(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "index_path="+c.IndexPath())
	cli.AssertContains(t, stdout, `"flush_interval": "10s"`)
	cli.AssertContains(t, stdout, "(defaults only)")
}

func Test_Print_Config_Reads_Project_File_With_Comments(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeFile(t, filepath.Join(c.Dir, ".fixgate.json"), `{
		// kept next to the gateway
		"index_path": "state/seqnums",
		"capacity": 4096,
	}`)

	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "index_path="+filepath.Join(c.Dir, "state", "seqnums"))
	cli.AssertContains(t, stdout, `"capacity": 4096`)
	cli.AssertContains(t, stdout, "project_config="+filepath.Join(c.Dir, ".fixgate.json"))
}

func Test_Print_Config_Prefers_Flags_When_Overriding_Files(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeFile(t, filepath.Join(c.Dir, "custom.json"), `{"index_path": "from-file", "log_level": "warn"}`)

	stdout := c.MustRun("-c", "custom.json", "--index=from-flag", "--log-level", "debug", "print-config")

	cli.AssertContains(t, stdout, "index_path="+filepath.Join(c.Dir, "from-flag"))
	cli.AssertContains(t, stdout, `"log_level": "debug"`)
}

func Test_Invalid_Config_Fails_When_Loaded(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeFile(t, filepath.Join(c.Dir, ".fixgate.json"), `{"log_format": "xml"}`)

	stderr := c.MustFail("print-config")

	cli.AssertContains(t, stderr, "log_format")
}
