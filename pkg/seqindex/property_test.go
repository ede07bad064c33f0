package seqindex_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

type modelOp struct {
	Reset   bool
	Session int64
	Index   int32
	Seq     int32
	Conn    int64
	Offset  int64
}

type modelKey struct {
	session int64
	index   int32
}

func genModelOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 49),
		gen.Int64Range(0, 40),
		gen.Int32Range(0, 2),
		gen.Int32Range(0, 100_000),
		gen.Int64Range(0, 5),
		gen.Int64Range(0, 1<<20),
	).Map(func(vals []any) modelOp {
		return modelOp{
			Reset:   vals[0].(int) == 0,
			Session: vals[1].(int64),
			Index:   vals[2].(int32),
			Seq:     vals[3].(int32),
			Conn:    vals[4].(int64),
			Offset:  vals[5].(int64),
		}
	})
}

// TestWriterMatchesMapModel checks the Writer against a plain map: last write
// wins per (session, index), epochs are independent, positions only advance,
// resets clear everything, and rolls and a persist/reload cycle lose nothing.
func TestWriterMatchesMapModel(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("writer, live reader and reloaded snapshot agree with model", prop.ForAll(
		func(capacity uint64, ops []modelOp) bool {
			store := seqindex.NewMemoryStore()

			w, err := seqindex.Open(seqindex.Options{Store: store, Capacity: capacity, PositionCapacity: 2})
			if err != nil {
				return false
			}

			entries := map[modelKey]int32{}
			positions := map[int64]int64{}

			for _, op := range ops {
				if op.Reset {
					w.ResetSequenceNumbers()
					clear(entries)
					clear(positions)

					continue
				}

				err := w.OnRecord(seqindex.Record{
					SessionID:      op.Session,
					SequenceIndex:  op.Index,
					SequenceNumber: op.Seq,
					ConnectionID:   op.Conn,
					StreamOffset:   op.Offset,
				})
				if err != nil {
					return false
				}

				entries[modelKey{op.Session, op.Index}] = op.Seq

				if op.Offset > positions[op.Conn] {
					positions[op.Conn] = op.Offset
				}
			}

			live := w.NewReader(nil)

			if err := w.Close(); err != nil {
				return false
			}

			reloaded, err := seqindex.NewReader(store.Bytes(), nil)
			if err != nil {
				return false
			}

			for session := range int64(41) {
				for index := range int32(3) {
					want, seen := entries[modelKey{session, index}]
					if !seen {
						want = seqindex.UnknownSession
					}

					for _, lookup := range []func(int64, int32) (int32, bool){
						w.LastKnownSequenceNumber,
						live.LastKnownSequenceNumber,
						reloaded.LastKnownSequenceNumber,
					} {
						got, ok := lookup(session, index)
						if got != want || ok != seen {
							return false
						}
					}
				}
			}

			for conn := range int64(6) {
				if reloaded.IndexedPosition(conn) != positions[conn] || w.IndexedPosition(conn) != positions[conn] {
					return false
				}
			}

			return w.Stats().Entries == int64(len(entries))
		},
		gen.UInt64Range(1, 16),
		gen.SliceOf(genModelOp()),
	))

	properties.TestingRun(t)
}
