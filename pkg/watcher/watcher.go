// Package watcher connects the pending partition to the dispatcher. It feeds
// on two sources: a reconciliation scan that picks up records enqueued while
// no engine was running, and filesystem notifications for records arriving
// live. Records are handed to the dispatcher one at a time.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Interops-io/infrastructure/pkg/dispatcher"
	"github.com/Interops-io/infrastructure/pkg/history"
	"github.com/Interops-io/infrastructure/pkg/job"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

// Config carries watch policy.
type Config struct {
	// RescanInterval is how often the pending partition is rescanned as a
	// safety net for dropped notifications. Zero selects the default;
	// negative disables rescans.
	RescanInterval time.Duration

	// StaleAfter is how old a processing record's heartbeat may grow
	// before the record is flagged for operator review. Zero selects the
	// default; negative disables flagging. Flagged records are never
	// redispatched automatically.
	StaleAfter time.Duration

	// IgnoreGlobs are file name patterns (doublestar syntax) excluded
	// from dispatch.
	IgnoreGlobs []string

	// QueueDepth bounds the notification backlog. Records dropped on
	// overflow are recovered by the next rescan.
	QueueDepth int
}

const (
	defaultRescanInterval = 5 * time.Minute
	defaultStaleAfter     = 15 * time.Minute
	defaultQueueDepth     = 256
)

// Tally counts per-outcome results of a drain pass.
type Tally struct {
	Completed int
	Failed    int
	Discarded int
	Skipped   int
}

func (t Tally) Total() int {
	return t.Completed + t.Failed + t.Discarded + t.Skipped
}

// Watcher owns the watch loop. One Watcher serves one queue root.
type Watcher struct {
	store *queue.Store
	disp  *dispatcher.Dispatcher
	hist  *history.Store
	log   *zap.Logger
	cfg   Config

	events chan string

	mu     sync.Mutex
	queued map[string]struct{}

	// flagged remembers stale records already reported, so each one is
	// flagged once per stay in pending. Touched only by the loop
	// goroutine.
	flagged map[string]bool
}

// New builds a Watcher. hist may be nil to disable history recording.
func New(store *queue.Store, disp *dispatcher.Dispatcher, hist *history.Store, log *zap.Logger, cfg Config) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RescanInterval == 0 {
		cfg.RescanInterval = defaultRescanInterval
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	return &Watcher{
		store:   store,
		disp:    disp,
		hist:    hist,
		log:     log,
		cfg:     cfg,
		events:  make(chan string, cfg.QueueDepth),
		queued:  make(map[string]struct{}),
		flagged: make(map[string]bool),
	}
}

// Run watches the pending partition until ctx is canceled or the store fails.
// Cancellation is a clean stop and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.store.EnsureLayout(); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	// Subscribe before the reconciliation scan. Records that arrive while
	// the scan runs are seen by at least one of the two phases; the
	// reverse order would leave a gap between them.
	pendingDir := w.store.Dir(queue.PartitionPending)
	if err := fsw.Add(pendingDir); err != nil {
		return fmt.Errorf("watch %s: %w", pendingDir, err)
	}
	go w.pump(ctx, fsw)

	if err := w.reconcile(); err != nil {
		return err
	}
	w.log.Info("watching queue",
		zap.String("dir", pendingDir),
		zap.Duration("rescan_interval", w.cfg.RescanInterval),
		zap.Duration("stale_after", w.cfg.StaleAfter))

	var rescan <-chan time.Time
	if w.cfg.RescanInterval > 0 {
		t := time.NewTicker(w.cfg.RescanInterval)
		defer t.Stop()
		rescan = t.C
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watch loop stopping")
			return nil
		case id := <-w.events:
			out, err := w.handle(ctx, id)
			w.forget(id)
			if err != nil {
				if queue.IsFatal(err) {
					return err
				}
				w.log.Error("record handling failed", zap.String("record_id", id), zap.Error(err))
				continue
			}
			w.logOutcome(id, out)
		case <-rescan:
			if err := w.reconcile(); err != nil {
				return err
			}
			w.flagStale(ctx)
		}
	}
}

// Drain processes everything currently pending, flags stale records once, and
// returns. Used for one-shot runs.
func (w *Watcher) Drain(ctx context.Context) (Tally, error) {
	var tally Tally
	if err := w.store.EnsureLayout(); err != nil {
		return tally, err
	}
	ids, err := w.store.Scan(queue.PartitionPending)
	if err != nil {
		return tally, err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return tally, ctx.Err()
		}
		if w.ignored(id + ".json") {
			continue
		}
		out, err := w.handle(ctx, id)
		if err != nil {
			if queue.IsFatal(err) {
				return tally, err
			}
			w.log.Error("record handling failed", zap.String("record_id", id), zap.Error(err))
			continue
		}
		w.logOutcome(id, out)
		switch out {
		case dispatcher.OutcomeCompleted:
			tally.Completed++
		case dispatcher.OutcomeFailed:
			tally.Failed++
		case dispatcher.OutcomeDiscarded:
			tally.Discarded++
		case dispatcher.OutcomeSkipped:
			tally.Skipped++
		}
	}
	w.flagStale(ctx)
	return tally, nil
}

// pump translates filesystem notifications into record ids. Only Create
// events matter: finished records appear via link or rename, both of which
// surface as creates of the final name.
func (w *Watcher) pump(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(ev.Name)
			if !queue.IsRecordName(name) || w.ignored(name) {
				continue
			}
			w.enqueue(queue.RecordID(name))
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fs watch error", zap.Error(err))
		}
	}
}

// reconcile enqueues every record currently in pending. Ids already queued or
// in flight dedupe away.
func (w *Watcher) reconcile() error {
	ids, err := w.store.Scan(queue.PartitionPending)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if w.ignored(id + ".json") {
			continue
		}
		w.enqueue(id)
	}
	return nil
}

func (w *Watcher) enqueue(id string) {
	w.mu.Lock()
	if _, busy := w.queued[id]; busy {
		w.mu.Unlock()
		return
	}
	w.queued[id] = struct{}{}
	w.mu.Unlock()

	select {
	case w.events <- id:
	default:
		w.forget(id)
		w.log.Warn("event queue full, record deferred to next rescan", zap.String("record_id", id))
	}
}

func (w *Watcher) forget(id string) {
	w.mu.Lock()
	delete(w.queued, id)
	w.mu.Unlock()
}

func (w *Watcher) ignored(name string) bool {
	for _, g := range w.cfg.IgnoreGlobs {
		if ok, err := doublestar.Match(g, name); err == nil && ok {
			return true
		}
	}
	return false
}

// handle reads one pending record and routes it: quarantine if unparsable,
// repair or skip if not claimable, otherwise dispatch. The returned Outcome
// is empty for non-dispatch paths.
func (w *Watcher) handle(ctx context.Context, id string) (dispatcher.Outcome, error) {
	rec, err := w.store.Get(queue.PartitionPending, id)
	if err != nil {
		switch {
		case queue.IsNotFound(err):
			// Already dispatched, discarded, or removed by an operator.
			w.log.Debug("record vanished before dispatch", zap.String("record_id", id))
			return "", nil
		case queue.IsMalformed(err):
			return "", w.quarantine(ctx, id, err)
		default:
			return "", err
		}
	}

	if !rec.Status.Claimable() {
		return "", w.skipUnclaimable(rec)
	}

	return w.disp.Dispatch(ctx, rec)
}

// quarantine relocates an unparsable record file to the failed partition
// unchanged. The file itself cannot carry a reason; the log and history keep
// it instead.
func (w *Watcher) quarantine(ctx context.Context, id string, cause error) error {
	w.log.Warn("malformed record, quarantining",
		zap.String("record_id", id), zap.Error(cause))
	if err := w.store.Move(id, queue.PartitionPending, queue.PartitionFailed); err != nil {
		switch {
		case queue.IsExists(err):
			if rerr := w.store.Remove(queue.PartitionPending, id); rerr != nil && !queue.IsNotFound(rerr) {
				return rerr
			}
		case queue.IsNotFound(err):
		default:
			return err
		}
	}
	w.event(ctx, id, history.EventTypeMalformedRecord, history.EventCategoryError, cause.Error())
	return nil
}

// skipUnclaimable decides what a non-claimable status in pending means: an
// unknown status is left alone, processing is left for the stale check, and a
// terminal status is a crash-interrupted move that gets finished here.
func (w *Watcher) skipUnclaimable(rec *job.Record) error {
	switch {
	case !rec.Status.Known():
		w.log.Warn("record has unknown status, leaving untouched",
			zap.String("record_id", rec.ID), zap.String("status", string(rec.Status)))
		return nil
	case rec.Status == job.StatusProcessing:
		w.log.Debug("record already processing", zap.String("record_id", rec.ID))
		return nil
	}

	part, err := queue.TerminalPartition(rec.Status)
	if err != nil {
		return err
	}
	w.log.Warn("terminal record stranded in pending, repairing",
		zap.String("record_id", rec.ID), zap.String("partition", string(part)))
	if err := w.store.Move(rec.ID, queue.PartitionPending, part); err != nil {
		switch {
		case queue.IsExists(err):
			if rerr := w.store.Remove(queue.PartitionPending, rec.ID); rerr != nil && !queue.IsNotFound(rerr) {
				return rerr
			}
		case queue.IsNotFound(err):
		default:
			return err
		}
	}
	return nil
}

// flagStale reports processing records whose heartbeat fell behind. Flagging
// is observational: a human decides whether to requeue.
func (w *Watcher) flagStale(ctx context.Context) {
	if w.cfg.StaleAfter <= 0 {
		return
	}
	ids, err := w.store.Scan(queue.PartitionPending)
	if err != nil {
		w.log.Warn("stale scan failed", zap.Error(err))
		return
	}

	live := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}
	for id := range w.flagged {
		if _, ok := live[id]; !ok {
			delete(w.flagged, id)
		}
	}

	cutoff := time.Now().Add(-w.cfg.StaleAfter)
	for _, id := range ids {
		if w.flagged[id] {
			continue
		}
		rec, err := w.store.Get(queue.PartitionPending, id)
		if err != nil || rec.Status != job.StatusProcessing {
			continue
		}
		hb := rec.CreatedAt
		if rec.HeartbeatAt != nil {
			hb = *rec.HeartbeatAt
		} else if rec.ClaimedAt != nil {
			hb = *rec.ClaimedAt
		}
		if hb.After(cutoff) {
			continue
		}
		w.flagged[id] = true
		w.log.Warn("processing record has a stale heartbeat, flagging for operator review",
			zap.String("record_id", id),
			zap.Time("heartbeat_at", hb),
			zap.Duration("stale_after", w.cfg.StaleAfter))
		w.event(ctx, id, history.EventTypeStaleFlagged, history.EventCategoryWarning,
			fmt.Sprintf("last heartbeat %s", hb.UTC().Format(time.RFC3339)))
	}
}

func (w *Watcher) logOutcome(id string, out dispatcher.Outcome) {
	switch out {
	case dispatcher.OutcomeCompleted:
		w.log.Info("record processed", zap.String("record_id", id))
	case dispatcher.OutcomeFailed:
		w.log.Info("record failed", zap.String("record_id", id))
	case dispatcher.OutcomeDiscarded, dispatcher.OutcomeSkipped:
		w.log.Debug("record not dispatched",
			zap.String("record_id", id), zap.String("outcome", string(out)))
	}
}

func (w *Watcher) event(ctx context.Context, id string, typ history.EventType, cat history.EventCategory, detail string) {
	if w.hist == nil {
		return
	}
	if err := w.hist.RecordEvent(ctx, id, typ, cat, detail); err != nil {
		w.log.Warn("history event write failed", zap.String("record_id", id), zap.Error(err))
	}
}
