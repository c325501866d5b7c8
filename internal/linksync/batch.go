package linksync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBatchTimeout = 30 * time.Second

type BatchOrchestratorOptions struct {
	Timeout      time.Duration
	ForceRefresh bool
	Logger       Logger
}

// BatchOrchestrator reconciles every known account against the remote
// platform in a single bulk call. At most one run is in flight; a run
// requested while another is active is dropped, not queued — a stale
// queued sync is worse than a skipped one.
type BatchOrchestrator struct {
	client       RemoteClient
	store        *Store
	guard        *GuardRegistry
	timeout      time.Duration
	forceRefresh bool
	logger       Logger

	running atomic.Bool
	mu      sync.Mutex
	lastRun time.Time
}

func NewBatchOrchestrator(client RemoteClient, store *Store, opts BatchOrchestratorOptions) *BatchOrchestrator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}
	return &BatchOrchestrator{
		client:       client,
		store:        store,
		guard:        store.Guard(),
		timeout:      timeout,
		forceRefresh: opts.ForceRefresh,
		logger:       opts.Logger,
	}
}

// RunBatchSync performs one reconciliation pass. It returns
// ErrSyncInProgress when a pass is already running. Guard-busy accounts
// are skipped entirely: an active poll session or a just-issued request
// owns them and a bulk read must not clobber their transitional state.
func (o *BatchOrchestrator) RunBatchSync(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer o.running.Store(false)

	known := o.store.SnapshotAll()
	if len(known) == 0 {
		o.recordRun()
		return nil
	}
	ids := make([]string, 0, len(known))
	for _, account := range known {
		ids = append(ids, account.CustomerID)
	}

	batchCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	results, err := o.client.BatchStatus(batchCtx, ids, o.forceRefresh)
	if err != nil {
		o.logf("batch sync failed: %v", err)
		return err
	}

	skipped := 0
	for _, result := range results {
		canonical, err := NormalizeCustomerID(result.CustomerID)
		if err != nil {
			o.logf("batch sync: dropping record with bad id %q: %v", result.CustomerID, err)
			continue
		}
		mapping := MapRemoteStatus(result.Status)
		if !o.store.Apply(canonical, MutationFromMapping(mapping, WriterBatch)) {
			skipped++
		}
	}
	if skipped > 0 {
		o.logf("batch sync: skipped %d guard-busy account(s)", skipped)
	}
	o.recordRun()
	return nil
}

func (o *BatchOrchestrator) Running() bool {
	return o.running.Load()
}

// LastBatchSyncAt returns when the last completed pass finished, zero if
// none has.
func (o *BatchOrchestrator) LastBatchSyncAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRun
}

func (o *BatchOrchestrator) recordRun() {
	o.mu.Lock()
	o.lastRun = time.Now()
	o.mu.Unlock()
}

// restoreLastRun seeds the last-run time from a persisted snapshot.
func (o *BatchOrchestrator) restoreLastRun(t time.Time) {
	o.mu.Lock()
	if o.lastRun.IsZero() {
		o.lastRun = t
	}
	o.mu.Unlock()
}

func (o *BatchOrchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Printf(format, args...)
}
