package linksync

import (
	"context"
	"errors"
	"time"
)

type EngineOptions struct {
	Client          RemoteClient
	SnapshotBackend SnapshotBackend
	Sessions        SessionManagerOptions
	Batch           BatchOrchestratorOptions
	Logger          Logger
}

// Engine is the surface the dashboard consumes. It wires the store,
// guard, poll sessions, and batch orchestrator together and owns the
// request-issuance flows, which claim the guard before going over the
// wire so a concurrent batch pass cannot clobber the transitional state.
type Engine struct {
	client   RemoteClient
	store    *Store
	guard    *GuardRegistry
	sessions *SessionManager
	batch    *BatchOrchestrator
	backend  SnapshotBackend
	logger   Logger
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("remote client is required")
	}
	if opts.Sessions.Logger == nil {
		opts.Sessions.Logger = opts.Logger
	}
	if opts.Batch.Logger == nil {
		opts.Batch.Logger = opts.Logger
	}
	guard := NewGuardRegistry()
	store := NewStore(guard)
	return &Engine{
		client:   opts.Client,
		store:    store,
		guard:    guard,
		sessions: NewSessionManager(opts.Client, store, opts.Sessions),
		batch:    NewBatchOrchestrator(opts.Client, store, opts.Batch),
		backend:  opts.SnapshotBackend,
		logger:   opts.Logger,
	}, nil
}

func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) Sessions() *SessionManager {
	return e.sessions
}

func (e *Engine) Account(customerID string) (Account, bool) {
	canonical, err := NormalizeCustomerID(customerID)
	if err != nil {
		return Account{}, false
	}
	return e.store.Get(canonical)
}

func (e *Engine) Accounts() []Account {
	return e.store.SnapshotAll()
}

func (e *Engine) Subscribe(fn func(Account)) {
	e.store.Subscribe(fn)
}

func (e *Engine) BusyIDs() []string {
	return e.guard.BusyIDs()
}

// RegisterAccounts seeds the projection from the roster: unknown ids get
// a fresh unlinked record, known ids only have their display label
// refreshed. Link state is never touched — the roster is not a status
// source.
func (e *Engine) RegisterAccounts(entries []RosterEntry) {
	for _, entry := range entries {
		existing, ok := e.store.Get(entry.CustomerID)
		if !ok {
			e.store.Restore([]Account{{
				CustomerID:   entry.CustomerID,
				DisplayLabel: entry.DisplayLabel,
				Status:       StatusNotLinked,
				Display:      DisplayLink,
			}})
			continue
		}
		if entry.DisplayLabel != "" && entry.DisplayLabel != existing.DisplayLabel {
			label := entry.DisplayLabel
			e.store.Apply(entry.CustomerID, Mutation{Writer: WriterRoster, DisplayLabel: &label})
		}
	}
}

// RequestLink issues a link invitation and starts the awaiting-link poll
// session. A PENDING_INVITATION answer converges onto the same session as
// the happy path: either way a human still has to accept, and polling is
// how we find out. ALREADY_LINKED and SUSPENDED resolve the projection
// immediately and are returned so the UI can notify; other failures
// release the guard claim and leave the projection untouched.
func (e *Engine) RequestLink(ctx context.Context, customerID, displayName string) error {
	canonical, err := NormalizeCustomerID(customerID)
	if err != nil {
		return err
	}
	e.guard.Mark(canonical)

	if err := e.client.IssueLinkRequest(ctx, canonical, displayName); err != nil {
		var business *BusinessError
		if errors.As(err, &business) {
			switch business.Code {
			case BusinessPendingInvitation:
				e.applyAwaitingLink(canonical, displayName)
				return e.sessions.StartAwaitingLink(canonical, false)
			case BusinessAlreadyLinked:
				e.store.Apply(canonical, MutationFromMapping(MapRemoteStatus("LINKED"), WriterRequest))
				e.releaseClaim(canonical)
				return business
			case BusinessSuspended:
				e.store.Apply(canonical, MutationFromMapping(MapRemoteStatus("SUSPENDED"), WriterRequest))
				e.releaseClaim(canonical)
				return business
			default:
				e.releaseClaim(canonical)
				return business
			}
		}
		e.releaseClaim(canonical)
		return err
	}

	e.applyAwaitingLink(canonical, displayName)
	return e.sessions.StartAwaitingLink(canonical, false)
}

// RequestUnlink issues the removal instruction and starts the
// awaiting-unlink session.
func (e *Engine) RequestUnlink(ctx context.Context, customerID string) error {
	canonical, err := NormalizeCustomerID(customerID)
	if err != nil {
		return err
	}
	e.guard.Mark(canonical)

	if err := e.client.IssueUnlinkRequest(ctx, canonical); err != nil {
		e.releaseClaim(canonical)
		return err
	}

	status := StatusUnlinkPending
	display := DisplayDisconnecting
	linked := true
	e.store.Apply(canonical, Mutation{
		Writer:  WriterRequest,
		Status:  &status,
		Display: &display,
		Linked:  &linked,
	})
	return e.sessions.StartAwaitingUnlink(canonical, false)
}

// releaseClaim drops the guard claim taken for a request issuance, unless
// a poll session for the account still exists in either direction; the
// session owns the guard then and releases it on its own teardown.
func (e *Engine) releaseClaim(canonical string) {
	if e.sessions.holdsAccount(canonical) {
		return
	}
	e.guard.Release(canonical)
}

func (e *Engine) applyAwaitingLink(canonical, displayName string) {
	status := StatusLinkPending
	display := DisplayPending
	linked := false
	mut := Mutation{
		Writer:  WriterRequest,
		Status:  &status,
		Display: &display,
		Linked:  &linked,
	}
	if displayName != "" {
		mut.DisplayLabel = &displayName
	}
	e.store.Apply(canonical, mut)
}

func (e *Engine) StartAwaitingLink(customerID string, manual bool) error {
	return e.sessions.StartAwaitingLink(customerID, manual)
}

func (e *Engine) StartAwaitingUnlink(customerID string, manual bool) error {
	return e.sessions.StartAwaitingUnlink(customerID, manual)
}

func (e *Engine) CancelAwaiting(customerID string, direction Direction) {
	e.sessions.Cancel(customerID, direction)
}

func (e *Engine) RunBatchSync(ctx context.Context) error {
	return e.batch.RunBatchSync(ctx)
}

func (e *Engine) BatchSyncRunning() bool {
	return e.batch.Running()
}

func (e *Engine) LastBatchSyncAt() time.Time {
	return e.batch.LastBatchSyncAt()
}

// RestoreSnapshot loads the persisted projection before any network
// activity. Missing backend or missing snapshot are both fine; a corrupt
// snapshot is an error so the operator notices instead of silently
// starting cold.
func (e *Engine) RestoreSnapshot() error {
	if e.backend == nil {
		return nil
	}
	snapshot, err := e.backend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	e.store.Restore(snapshot.Accounts)
	if !snapshot.LastBatchSyncAt.IsZero() {
		e.batch.restoreLastRun(snapshot.LastBatchSyncAt)
	}
	return nil
}

func (e *Engine) SaveSnapshot() error {
	if e.backend == nil {
		return nil
	}
	return e.backend.Save(&Snapshot{
		Accounts:        e.store.SnapshotAll(),
		LastBatchSyncAt: e.batch.LastBatchSyncAt(),
		SavedAt:         time.Now(),
	})
}

// Close stops every poll session, persists a final snapshot, and releases
// backend resources.
func (e *Engine) Close() error {
	e.sessions.StopAll()
	saveErr := e.SaveSnapshot()
	closeErr := CloseSnapshotBackend(e.backend)
	if saveErr != nil {
		return saveErr
	}
	return closeErr
}
