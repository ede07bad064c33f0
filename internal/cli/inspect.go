package cli

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/fixgate/internal/config"
	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

// warnHandler turns every index fault into a command warning.
func warnHandler(o *IO) seqindex.ErrorHandler {
	return seqindex.ErrorHandlerFunc(func(err error) {
		o.Warn("%v", err)
	})
}

// InspectCmd returns the inspect command.
func InspectCmd(cfg *config.Config) *Command {
	flags := flag.NewFlagSet("inspect", flag.ContinueOnError)
	withEntries := flags.BoolP("entries", "e", false, "Also list every entry")

	return &Command{
		Flags: flags,
		Usage: "inspect [flags]",
		Short: "Show header fields and table occupancy",
		Long: `Show the header fields of the index file and how many entries and
positions it holds. Faults found while reading are printed as warnings.`,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execInspect(o, cfg, *withEntries)
		},
	}
}

func execInspect(o *IO, cfg *config.Config, withEntries bool) error {
	r, err := openReader(cfg, warnHandler(o))
	if err != nil {
		return err
	}
	defer r.Close()

	hdr := r.Header()

	var entries []seqindex.Entry

	r.Range(func(e seqindex.Entry) bool {
		entries = append(entries, e)

		return true
	})

	positions := 0

	r.RangePositions(func(seqindex.Position) bool {
		positions++

		return true
	})

	o.Println("path=" + cfg.IndexPathAbs)
	o.Println("valid=" + strconv.FormatBool(r.Valid()))

	if r.Valid() {
		o.Printf("version=%d\n", hdr.Version)
		o.Printf("size=%d\n", hdr.Size())
		o.Printf("generation=%d\n", hdr.Generation)
		o.Printf("entry_capacity=%d\n", hdr.EntryCapacity)
		o.Printf("entry_sectors=%d\n", hdr.EntrySectors)
		o.Printf("position_capacity=%d\n", hdr.PositionCapacity)
		o.Printf("position_sectors=%d\n", hdr.PositionSectors)
	}

	o.Printf("entries=%d\n", len(entries))
	o.Printf("positions=%d\n", positions)
	o.Println("corrupt_sectors=" + formatSectors(r.CorruptSectors()))

	if !withEntries {
		return nil
	}

	slices.SortFunc(entries, func(a, b seqindex.Entry) int {
		return cmp.Or(cmp.Compare(a.SessionID, b.SessionID), cmp.Compare(a.SequenceIndex, b.SequenceIndex))
	})

	o.Println()
	o.Println("# session index seq")

	for _, e := range entries {
		o.Printf("%d %d %d\n", e.SessionID, e.SequenceIndex, e.SequenceNumber)
	}

	return nil
}

func formatSectors(sectors []int) string {
	if len(sectors) == 0 {
		return "none"
	}

	parts := make([]string, len(sectors))
	for i, s := range sectors {
		parts[i] = strconv.Itoa(s)
	}

	return strings.Join(parts, ",")
}

// LookupCmd returns the lookup command.
func LookupCmd(cfg *config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("lookup", flag.ContinueOnError),
		Usage: "lookup <session> [index]",
		Args:  ArgRange{Min: 1, Max: 2},
		Short: "Print the last known sequence number",
		Long: fmt.Sprintf(`Print the last known sequence number of a session in the given
sequence index epoch (default %d), or "unknown" if it was never seen.`, seqindex.DefaultSequenceIndex),
		Exec: func(_ context.Context, o *IO, args []string) error {
			return execLookup(o, cfg, args)
		},
	}
}

func execLookup(o *IO, cfg *config.Config, args []string) error {
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

	r, err := openReader(cfg, warnHandler(o))
	if err != nil {
		return err
	}
	defer r.Close()

	o.Println(formatSeq(r.LastKnownSequenceNumber(session, index)))

	return nil
}

// PositionsCmd returns the positions command.
func PositionsCmd(cfg *config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("positions", flag.ContinueOnError),
		Usage: "positions [connection]",
		Args:  ArgRange{Max: 1},
		Short: "Print indexed stream positions",
		Long: `Print the indexed stream position of one connection, or of every
connection as "<connection> <position>" lines sorted by connection.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			return execPositions(o, cfg, args)
		},
	}
}

func execPositions(o *IO, cfg *config.Config, args []string) error {
	r, err := openReader(cfg, warnHandler(o))
	if err != nil {
		return err
	}
	defer r.Close()

	if len(args) == 1 {
		conn, err := parseInt64("connection id", args[0])
		if err != nil {
			return err
		}

		o.Println(r.IndexedPosition(conn))

		return nil
	}

	var all []seqindex.Position

	r.RangePositions(func(p seqindex.Position) bool {
		all = append(all, p)

		return true
	})

	slices.SortFunc(all, func(a, b seqindex.Position) int {
		return cmp.Compare(a.ConnectionID, b.ConnectionID)
	})

	for _, p := range all {
		o.Printf("%d %d\n", p.ConnectionID, p.Position)
	}

	return nil
}

// VerifyCmd returns the verify command.
func VerifyCmd(cfg *config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("verify", flag.ContinueOnError),
		Usage: "verify",
		Short: "Check header and sector checksums",
		Long: `Validate the header and every sector checksum of the index file.
Each fault is printed as a warning and makes the command exit with code 1.`,
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execVerify(o, cfg)
		},
	}
}

func execVerify(o *IO, cfg *config.Config) error {
	faults := 0

	handler := seqindex.ErrorHandlerFunc(func(err error) {
		faults++
		o.Warn("%v", err)
	})

	r, err := openReader(cfg, handler)
	if err != nil {
		return err
	}
	defer r.Close()

	if faults == 0 {
		hdr := r.Header()
		o.Printf("ok: %d entry sectors, %d position sectors\n", hdr.EntrySectors, hdr.PositionSectors)

		return nil
	}

	o.Printf("%d faults\n", faults)

	return nil
}
