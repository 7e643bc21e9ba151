package state

import (
	"context"
	"fmt"
	"sync"

	gojson "github.com/goccy/go-json"
)

// documentWriter orders the writes of a backend that stores the whole state
// as one document. One write runs at a time. Snapshots handed over while a
// write is in flight are coalesced so that only the newest is written next,
// and a caller whose snapshot was covered by a completed write returns
// without writing again.
type documentWriter struct {
	writeMu sync.Mutex

	mu      sync.Mutex
	pending Snapshot
	written uint64
}

// write persists snap, or a newer snapshot, through put.
func (d *documentWriter) write(ctx context.Context, snap Snapshot, put func(ctx context.Context, data []byte) error) error {
	if snap.Seq == 0 {
		// unsequenced snapshots are written as given
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return d.put(ctx, snap, put)
	}

	d.mu.Lock()
	if snap.Seq > d.pending.Seq {
		d.pending = snap
	}
	d.mu.Unlock()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.Lock()
	if d.written >= snap.Seq {
		d.mu.Unlock()
		return nil
	}
	next := d.pending
	d.mu.Unlock()

	if err := d.put(ctx, next, put); err != nil {
		return err
	}

	d.mu.Lock()
	d.written = next.Seq
	d.mu.Unlock()
	return nil
}

func (d *documentWriter) put(ctx context.Context, snap Snapshot, put func(ctx context.Context, data []byte) error) error {
	data, err := gojson.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return put(ctx, data)
}
