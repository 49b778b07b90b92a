// Package audit is the deploy audit trail: an async, buffered writer that
// records one entry per orchestrator run (deploy/scale/rollback) without
// sitting on that run's critical path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/repo"
)

// Entry represents a single audit log entry to be written. TriggeredBy,
// Action, and Resource are supplied directly by the caller (the deployapi
// handlers take TriggeredBy from the request body) rather than derived from
// an authenticated HTTP request.
type Entry struct {
	WorkspaceID string
	TriggeredBy string
	Action      string
	Resource    string
	ResourceID  uuid.UUID
	Detail      json.RawMessage
}

// Repo is the slice of internal/repo.AuditRepo the writer needs.
type Repo interface {
	CreateBatch(ctx context.Context, entries []repo.AuditEntry) error
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	repo    Repo
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(repo Repo, logger *slog.Logger) *Writer {
	return &Writer{
		repo:    repo,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// database and returns immediately. The goroutine exits, after flushing
// pending entries, when the context is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the database in one round trip.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([]repo.AuditEntry, len(entries))
	for i, e := range entries {
		rows[i] = repo.AuditEntry{
			WorkspaceID: e.WorkspaceID,
			TriggeredBy: e.TriggeredBy,
			Action:      e.Action,
			Resource:    e.Resource,
			ResourceID:  e.ResourceID,
			Detail:      e.Detail,
		}
	}

	if err := w.repo.CreateBatch(ctx, rows); err != nil {
		w.logger.Error("flushing audit log batch", "error", err, "count", len(rows))
	}
}
