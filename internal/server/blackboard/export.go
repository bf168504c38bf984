package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ExportArchived streams a swarm's archived messages to w as
// gzip-compressed NDJSON, one message per line, oldest first. Returns
// the number of messages written.
func (e *Exchange) ExportArchived(ctx context.Context, swarmID string, w io.Writer) (int, error) {
	msgs, err := e.store.ListArchivedMessages(ctx, swarmID)
	if err != nil {
		return 0, err
	}

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	written := 0
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			_ = gz.Close()
			return written, fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		written++
	}

	if err := gz.Close(); err != nil {
		return written, fmt.Errorf("flush export: %w", err)
	}
	return written, nil
}
