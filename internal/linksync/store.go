package linksync

import (
	"sort"
	"sync"
	"time"
)

// Writer identifies which component is asking for a store mutation. The
// store uses it to enforce the guard rule in exactly one place: batch
// writes are refused for guard-busy accounts, every other writer passes.
type Writer string

const (
	WriterPoll    Writer = "poll"
	WriterBatch   Writer = "batch"
	WriterPush    Writer = "push"
	WriterRequest Writer = "request"
	WriterRoster  Writer = "roster"
)

// Account is the local projection of one advertiser account's link state.
// DisplayLabel is a human name and never authoritative.
type Account struct {
	CustomerID   string     `json:"customerId"`
	DisplayLabel string     `json:"displayLabel,omitempty"`
	Status       LinkStatus `json:"status"`
	Display      string     `json:"display"`
	Linked       bool       `json:"linked"`
	Disabled     bool       `json:"disabled,omitempty"`
	LastSyncedAt time.Time  `json:"lastSyncedAt"`
}

// Mutation is a partial update. Nil fields are left untouched; in
// particular Disabled survives unrelated status writes unless a writer
// sets it explicitly. Every Apply stamps LastSyncedAt.
type Mutation struct {
	Writer       Writer
	Status       *LinkStatus
	Display      *string
	Linked       *bool
	Disabled     *bool
	DisplayLabel *string
}

// MutationFromMapping folds a status-table row into a mutation. Disabled
// is set explicitly only for linked-family outcomes: a SUSPENDED read
// raises the flag, an ACTIVE read clears it, and a transitional PENDING
// or unlinked read leaves a previously detected flag alone.
func MutationFromMapping(mapping StatusMapping, writer Writer) Mutation {
	status := mapping.Status
	display := mapping.Display
	linked := mapping.Linked
	mut := Mutation{
		Writer:  writer,
		Status:  &status,
		Display: &display,
		Linked:  &linked,
	}
	if mapping.Linked {
		disabled := mapping.Disabled
		mut.Disabled = &disabled
	}
	return mut
}

// Store owns the in-memory projection. All mutation flows through Apply
// so the invariants (guard veto, Disabled preservation, LastSyncedAt
// stamping, one record per canonical id) live here and nowhere else.
type Store struct {
	mu       sync.Mutex
	accounts map[string]Account
	guard    *GuardRegistry
	subsMu   sync.Mutex
	subs     []func(Account)
	now      func() time.Time
}

func NewStore(guard *GuardRegistry) *Store {
	if guard == nil {
		guard = NewGuardRegistry()
	}
	return &Store{
		accounts: map[string]Account{},
		guard:    guard,
		now:      time.Now,
	}
}

func (s *Store) Guard() *GuardRegistry {
	return s.guard
}

func (s *Store) Get(customerID string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[customerID]
	return account, ok
}

// Apply performs a partial update, creating the record when missing.
// It reports whether the write was applied; a batch write against a
// guard-busy account is vetoed. The guard check and the write happen
// under one lock so no other writer can interleave between them.
func (s *Store) Apply(customerID string, mut Mutation) bool {
	if customerID == "" {
		return false
	}
	s.mu.Lock()
	if mut.Writer == WriterBatch && s.guard.Busy(customerID) {
		s.mu.Unlock()
		return false
	}
	account, ok := s.accounts[customerID]
	if !ok {
		account = Account{
			CustomerID: customerID,
			Status:     StatusNotLinked,
			Display:    DisplayLink,
		}
	}
	if mut.Status != nil {
		account.Status = *mut.Status
	}
	if mut.Display != nil {
		account.Display = *mut.Display
	}
	if mut.Linked != nil {
		account.Linked = *mut.Linked
	}
	if mut.Disabled != nil {
		account.Disabled = *mut.Disabled
	}
	if mut.DisplayLabel != nil {
		account.DisplayLabel = *mut.DisplayLabel
	}
	account.LastSyncedAt = s.now()
	s.accounts[customerID] = account
	s.mu.Unlock()

	s.notify(account)
	return true
}

// Touch stamps LastSyncedAt without changing anything else. Poll sessions
// use it for non-terminal results so the displayed status stays put.
func (s *Store) Touch(customerID string) {
	s.mu.Lock()
	account, ok := s.accounts[customerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	account.LastSyncedAt = s.now()
	s.accounts[customerID] = account
	s.mu.Unlock()

	s.notify(account)
}

func (s *Store) SnapshotAll() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts := make([]Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CustomerID < accounts[j].CustomerID
	})
	return accounts
}

// Restore bulk-loads a snapshot, first-writer-wins: an id already present
// in memory is never overwritten, so a stale cache cannot override a
// fresher live read that raced ahead of the restore.
func (s *Store) Restore(accounts []Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range accounts {
		if account.CustomerID == "" {
			continue
		}
		if _, exists := s.accounts[account.CustomerID]; exists {
			continue
		}
		s.accounts[account.CustomerID] = account
	}
}

// Subscribe registers a store-changed callback. Callbacks run on the
// writer's goroutine after the lock is released and must not block.
func (s *Store) Subscribe(fn func(Account)) {
	if fn == nil {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(account Account) {
	s.subsMu.Lock()
	subs := make([]func(Account), len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(account)
	}
}
