// Package reconcile keeps a tracker in step with its remote document: initial
// load, restore prompts, merge-writes and remote change notifications.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"locktrack/internal/docstore"
	"locktrack/internal/tracker"
)

// Store is the remote document contract the reconciler needs.
type Store interface {
	Get(ctx context.Context, docID string) (*docstore.Document, error)
	MergeWrite(ctx context.Context, docID, writer string, fields map[string]string) (int64, error)
	CreateIfAbsent(ctx context.Context, docID, writer string, defaults map[string]string) (bool, int64, error)
	Subscribe(ctx context.Context, docID string, fn docstore.Handler) (func() error, error)
}

type Status string

const (
	StatusLoading         Status = "loading"
	StatusSynced          Status = "synced"
	StatusConflictPending Status = "conflict_pending"
	StatusWriteInFlight   Status = "write_in_flight"
)

const writeFailedMessage = "Could not save your changes. They will be kept on this device."

// Reconciler owns the sync state machine for one document.
//
// Every merge-write bumps the document revision atomically. A remote document
// is applied only when its revision is newer than the last one applied or
// acknowledged, so echoes of our own writes are dropped.
type Reconciler struct {
	store     Store
	docID     string
	writer    string
	tracker   *tracker.Tracker
	logger    *slog.Logger
	onApplied func(tracker.Phase)

	writeMu sync.Mutex

	mu          sync.Mutex
	status      Status
	lastRev     int64
	snapshot    *tracker.State
	buffered    *docstore.Document
	unsubscribe func() error
}

// New creates a reconciler. onApplied, when set, is called with the tracker's
// phase after every adopted or locally written state, outside of any lock.
func New(store Store, docID, writer string, t *tracker.Tracker, logger *slog.Logger, onApplied func(tracker.Phase)) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		docID:     docID,
		writer:    writer,
		tracker:   t,
		logger:    logger.With("doc_id", docID),
		onApplied: onApplied,
		status:    StatusLoading,
	}
}

// Open creates the document if needed, subscribes to changes and performs the
// initial read. An active session found on first read leaves the reconciler in
// StatusConflictPending until ResumeRemote or DiscardAndStartNew.
func (r *Reconciler) Open(ctx context.Context) error {
	if _, _, err := r.store.CreateIfAbsent(ctx, r.docID, r.writer, tracker.Baseline().Encode()); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	unsubscribe, err := r.store.Subscribe(ctx, r.docID, r.handleRemote)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	doc, err := r.store.Get(ctx, r.docID)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	r.handleRemote(doc, nil)
	return nil
}

func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Revision is the last revision applied or acknowledged.
func (r *Reconciler) Revision() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRev
}

// Conflict returns the remote state awaiting a restore decision.
func (r *Reconciler) Conflict() (tracker.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusConflictPending || r.snapshot == nil {
		return tracker.State{}, false
	}
	return *r.snapshot, true
}

func (r *Reconciler) decode(doc *docstore.Document) tracker.State {
	state, bad := tracker.DecodeDocument(doc.Fields)
	if len(bad) > 0 {
		r.logger.Warn("remote document has malformed fields", "fields", bad, "revision", doc.Revision)
	}
	return state
}

// handleRemote is the subscription callback; it also handles the initial read.
func (r *Reconciler) handleRemote(doc *docstore.Document, err error) {
	if err != nil {
		r.logger.Error("read remote document", "error", err)
		return
	}
	if doc == nil {
		r.logger.Warn("remote document missing")
		return
	}

	r.mu.Lock()
	if last := r.lastRev; doc.Revision <= last {
		r.mu.Unlock()
		r.logger.Debug("dropped stale remote document", "revision", doc.Revision, "last_revision", last)
		return
	}
	var applied bool
	switch r.status {
	case StatusWriteInFlight:
		if r.buffered == nil || doc.Revision > r.buffered.Revision {
			r.buffered = doc
		}
	case StatusLoading, StatusConflictPending:
		state := r.decode(doc)
		r.lastRev = doc.Revision
		if state.IsCageOn {
			r.snapshot = &state
			r.status = StatusConflictPending
			r.logger.Info("restore decision pending", "revision", doc.Revision)
		} else {
			r.snapshot = nil
			r.tracker.ApplyRemote(state)
			r.status = StatusSynced
			applied = true
		}
	case StatusSynced:
		r.tracker.ApplyRemote(r.decode(doc))
		r.lastRev = doc.Revision
		applied = true
	}
	r.mu.Unlock()

	if applied {
		r.notifyApplied()
	}
}

func (r *Reconciler) notifyApplied() {
	if r.onApplied != nil {
		r.onApplied(r.tracker.Phase())
	}
}

// Mutate runs fn against the tracker and merge-writes the patch it returns.
// Writes are serialized. A failed write is logged and shown as a notice; the
// local state is kept and no error is returned for it.
func (r *Reconciler) Mutate(ctx context.Context, fn func() (tracker.Patch, error)) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.status != StatusSynced {
		r.mu.Unlock()
		return tracker.ErrNotLoaded
	}
	r.status = StatusWriteInFlight
	r.mu.Unlock()

	patch, err := fn()
	if err != nil || len(patch) == 0 {
		r.finishWrite(ctx, 0)
		return err
	}

	rev, werr := r.store.MergeWrite(ctx, r.docID, r.writer, patch.Encode())
	if werr != nil {
		r.logger.Error("merge write failed", "error", werr, "fields", patch.Fields())
		r.tracker.PostNotice(tracker.KindRemote, writeFailedMessage, 0)
		rev = 0
	}
	if !r.finishWrite(ctx, rev) {
		r.notifyApplied()
	}
	return nil
}

// finishWrite returns to StatusSynced after a write attempt. rev is the
// acknowledged revision, or 0 when nothing was written. If another writer got
// in before us the document is re-read so their fields are not lost. It reports
// whether a remote state was adopted (and onApplied called).
func (r *Reconciler) finishWrite(ctx context.Context, rev int64) bool {
	r.mu.Lock()
	gap := rev > 0 && rev != r.lastRev+1
	if rev > r.lastRev {
		r.lastRev = rev
	}
	buffered := r.buffered
	r.buffered = nil
	var applied bool
	if !gap && buffered != nil && buffered.Revision > r.lastRev {
		r.tracker.ApplyRemote(r.decode(buffered))
		r.lastRev = buffered.Revision
		applied = true
	}
	r.status = StatusSynced
	r.mu.Unlock()

	if gap {
		doc, err := r.store.Get(ctx, r.docID)
		if err != nil {
			r.logger.Error("re-read after interleaved write", "error", err)
			return false
		}
		r.mu.Lock()
		if doc != nil && doc.Revision >= r.lastRev {
			r.tracker.ApplyRemote(r.decode(doc))
			r.lastRev = doc.Revision
			applied = true
		}
		r.mu.Unlock()
	}
	if applied {
		r.notifyApplied()
	}
	return applied
}

// ResumeRemote adopts the pending remote session and re-asserts it. The write
// error, if any, is returned and the conflict stays pending.
func (r *Reconciler) ResumeRemote(ctx context.Context) error {
	return r.resolve(ctx, func(state tracker.State) tracker.Patch {
		r.tracker.ApplyRemote(state)
		return r.tracker.SessionPatch()
	})
}

// DiscardAndStartNew drops the pending remote session without recording it.
// History, goal and keyholder data are kept.
func (r *Reconciler) DiscardAndStartNew(ctx context.Context) error {
	return r.resolve(ctx, func(state tracker.State) tracker.Patch {
		r.tracker.ApplyRemote(state)
		return r.tracker.ResetSession()
	})
}

func (r *Reconciler) resolve(ctx context.Context, adopt func(tracker.State) tracker.Patch) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.status != StatusConflictPending || r.snapshot == nil {
		r.mu.Unlock()
		return &tracker.Error{Kind: tracker.KindPolicy, Code: "NO_RESTORE_PENDING", Message: "No restore decision is pending"}
	}
	state := *r.snapshot
	r.mu.Unlock()

	patch := adopt(state)
	rev, err := r.store.MergeWrite(ctx, r.docID, r.writer, patch.Encode())
	if err != nil {
		r.tracker.Unload()
		r.logger.Error("restore write failed", "error", err)
		return &tracker.Error{Kind: tracker.KindRemote, Code: "WRITE_FAILED", Message: "Could not save the restore decision"}
	}

	r.mu.Lock()
	r.snapshot = nil
	r.status = StatusSynced
	if rev > r.lastRev {
		r.lastRev = rev
	}
	r.mu.Unlock()
	r.notifyApplied()
	return nil
}

// Close stops the change subscription.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsubscribe == nil {
		return nil
	}
	return unsubscribe()
}
