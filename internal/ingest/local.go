package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mosich/moonchat/internal/cache"
)

// Local ingests files by extracting their text on this machine. It cannot
// register content with the provider-side cache, so a tag only labels the
// request in logs; callers still get the full extracted content.
type Local struct {
	logger *slog.Logger
}

// NewLocal creates a local ingester.
func NewLocal() *Local {
	return &Local{logger: slog.Default()}
}

// Ingest produces one system-role message per file.
func (l *Local) Ingest(ctx context.Context, paths []string, tag string) ([]cache.Message, error) {
	msgs := make([]cache.Message, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := ExtractText(path)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", path, err)
		}
		msgs = append(msgs, cache.Message{Role: cache.RoleSystem, Content: text})
		l.logger.Debug("extracted file locally", "path", path, "bytes", len(text), "tag", tag)
	}
	return msgs, nil
}
