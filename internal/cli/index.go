package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/calvinalkan/fixgate/internal/config"
	"github.com/calvinalkan/fixgate/pkg/fs"
	"github.com/calvinalkan/fixgate/pkg/seqindex"
)

var errIndexMissing = errors.New("index file does not exist")

// openReader maps the configured index file read-only.
func openReader(cfg *config.Config, handler seqindex.ErrorHandler) (*seqindex.Reader, error) {
	r, err := seqindex.OpenReader(cfg.IndexPathAbs, handler)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errIndexMissing, cfg.IndexPathAbs)
	}

	return r, err
}

// openWriter takes the index lock and recovers the configured index.
func openWriter(cfg *config.Config, logger *slog.Logger, handler seqindex.ErrorHandler) (*seqindex.Writer, error) {
	store, err := seqindex.NewFileStore(fs.NewReal(), cfg.IndexPathAbs, seqindex.FileStoreOptions{
		DisableLocking: cfg.DisableLocking,
	})
	if err != nil {
		return nil, fmt.Errorf("opening index store: %w", err)
	}

	w, err := seqindex.Open(seqindex.Options{
		Store:            store,
		Capacity:         cfg.Capacity,
		PositionCapacity: cfg.PositionCapacity,
		FlushInterval:    time.Duration(cfg.FlushInterval),
		ErrorHandler:     handler,
		Logger:           logger,
	})
	if err != nil {
		_ = store.Close()

		return nil, err
	}

	return w, nil
}

func parseSession(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q", s)
	}

	return v, nil
}

func parseInt32(what, s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}

	return int32(v), nil
}

func parseInt64(what, s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}

	return v, nil
}

func formatSeq(seq int32, ok bool) string {
	if !ok {
		return "unknown"
	}

	return strconv.FormatInt(int64(seq), 10)
}
