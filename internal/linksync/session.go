package linksync

import (
	"context"
	"sync"
	"time"
)

// Direction is which terminal answer a poll session is waiting for.
type Direction string

const (
	AwaitingLink   Direction = "awaiting_link"
	AwaitingUnlink Direction = "awaiting_unlink"
)

const (
	defaultPollInterval   = 20 * time.Second
	defaultMaxAttempts    = 9
	defaultCheckTimeout   = 15 * time.Second
	manualSessionAttempts = 1
)

type sessionKey struct {
	customerID string
	direction  Direction
}

type pollSession struct {
	key         sessionKey
	manual      bool
	maxAttempts int
	attempts    int
	cancel      chan struct{}
	done        chan struct{}
}

type SessionManagerOptions struct {
	Interval     time.Duration
	MaxAttempts  int
	CheckTimeout time.Duration
	Logger       Logger
}

// Logger is the minimal logging surface the engine components accept.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// SessionManager owns, per (customerID, direction) pair, at most one
// bounded-retry polling loop against the remote platform. Sessions keep
// the guard registry busy for their account from start to stop so batch
// sync defers to them.
type SessionManager struct {
	client       RemoteClient
	store        *Store
	guard        *GuardRegistry
	interval     time.Duration
	maxAttempts  int
	checkTimeout time.Duration
	logger       Logger

	mu       sync.Mutex
	sessions map[sessionKey]*pollSession
}

func NewSessionManager(client RemoteClient, store *Store, opts SessionManagerOptions) *SessionManager {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	checkTimeout := opts.CheckTimeout
	if checkTimeout <= 0 {
		checkTimeout = defaultCheckTimeout
	}
	return &SessionManager{
		client:       client,
		store:        store,
		guard:        store.Guard(),
		interval:     interval,
		maxAttempts:  maxAttempts,
		checkTimeout: checkTimeout,
		logger:       opts.Logger,
		sessions:     map[sessionKey]*pollSession{},
	}
}

// StartAwaitingLink begins polling for the account to become linked.
// Manual sessions perform exactly one immediate check; automatic sessions
// check every interval up to the attempt ceiling. Starting a session for
// a pair that already has one is a no-op.
func (m *SessionManager) StartAwaitingLink(customerID string, manual bool) error {
	return m.start(customerID, AwaitingLink, manual)
}

func (m *SessionManager) StartAwaitingUnlink(customerID string, manual bool) error {
	return m.start(customerID, AwaitingUnlink, manual)
}

func (m *SessionManager) start(customerID string, direction Direction, manual bool) error {
	canonical, err := NormalizeCustomerID(customerID)
	if err != nil {
		return err
	}
	key := sessionKey{customerID: canonical, direction: direction}

	m.mu.Lock()
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		return nil
	}
	session := &pollSession{
		key:         key,
		manual:      manual,
		maxAttempts: m.maxAttempts,
		cancel:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	if manual {
		session.maxAttempts = manualSessionAttempts
	}
	m.sessions[key] = session
	m.guard.Mark(canonical)
	m.mu.Unlock()

	go m.run(session)
	return nil
}

// Cancel stops a session explicitly (UI close). Timer cancellation,
// session-record removal, and guard release happen in one step under the
// manager lock so no dangling timer can mutate state afterwards.
func (m *SessionManager) Cancel(customerID string, direction Direction) {
	canonical, err := NormalizeCustomerID(customerID)
	if err != nil {
		return
	}
	m.finish(sessionKey{customerID: canonical, direction: direction}, nil)
}

// Active reports whether a session exists for the pair.
func (m *SessionManager) Active(customerID string, direction Direction) bool {
	canonical, err := NormalizeCustomerID(customerID)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionKey{customerID: canonical, direction: direction}]
	return ok
}

// Count returns the number of active sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// holdsAccount reports whether a session in either direction owns the id.
func (m *SessionManager) holdsAccount(customerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, direction := range []Direction{AwaitingLink, AwaitingUnlink} {
		if _, ok := m.sessions[sessionKey{customerID: customerID, direction: direction}]; ok {
			return true
		}
	}
	return false
}

// NotifyStatus lets the push receiver short-circuit polling: when a push
// event delivers a terminal answer for a session's direction, the session
// is stopped immediately instead of waiting for its next tick. The push
// receiver has already written the store, so only teardown happens here.
func (m *SessionManager) NotifyStatus(customerID string, mapping StatusMapping) {
	if classifyLink(mapping) {
		m.finish(sessionKey{customerID: customerID, direction: AwaitingLink}, nil)
	}
	if classifyUnlink(mapping) {
		m.finish(sessionKey{customerID: customerID, direction: AwaitingUnlink}, nil)
	}
}

// StopAll cancels every session and waits for their goroutines to exit.
func (m *SessionManager) StopAll() {
	m.mu.Lock()
	pending := make([]*pollSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		pending = append(pending, session)
	}
	m.mu.Unlock()
	for _, session := range pending {
		m.finish(session.key, nil)
		<-session.done
	}
}

// finish removes the session record, cancels its timer, releases the
// guard, and optionally applies a final mutation — atomically with
// respect to other manager calls. It is a no-op when the session is
// already gone, which makes late poll results and racing stop paths safe.
func (m *SessionManager) finish(key sessionKey, final *Mutation) bool {
	m.mu.Lock()
	session, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, key)
	close(session.cancel)
	// The account stays guarded while any session for it remains: a
	// link and an unlink session can coexist, and releasing on the
	// first teardown would expose the survivor to batch writes.
	sibling := AwaitingUnlink
	if key.direction == AwaitingUnlink {
		sibling = AwaitingLink
	}
	if _, held := m.sessions[sessionKey{customerID: key.customerID, direction: sibling}]; !held {
		m.guard.Release(key.customerID)
	}
	m.mu.Unlock()

	if final != nil {
		m.store.Apply(key.customerID, *final)
	}
	return true
}

func (m *SessionManager) run(session *pollSession) {
	defer close(session.done)

	if !session.manual {
		if !m.waitInterval(session) {
			return
		}
	}
	for {
		session.attempts++
		result, err := m.checkOnce(session.key.customerID)

		if !m.stillActive(session) {
			// Cancelled while the check was in flight; discard.
			return
		}
		if err != nil {
			m.logf("link status check failed for %s: %v", session.key.customerID, err)
		} else {
			mapping := MapRemoteStatus(result.Status)
			if final, done := m.classify(session.key.direction, mapping); done {
				m.finish(session.key, &final)
				return
			}
			// Non-terminal: leave the displayed status alone, stamp the
			// check time so the UI can show freshness.
			m.store.Touch(session.key.customerID)
		}

		if session.attempts >= session.maxAttempts {
			fallback := m.fallbackMutation(session)
			m.finish(session.key, &fallback)
			return
		}
		if !m.waitInterval(session) {
			return
		}
	}
}

func (m *SessionManager) checkOnce(customerID string) (RemoteStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.checkTimeout)
	defer cancel()
	return m.client.Status(ctx, customerID)
}

func (m *SessionManager) stillActive(session *pollSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[session.key] == session
}

func (m *SessionManager) waitInterval(session *pollSession) bool {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	select {
	case <-session.cancel:
		return false
	case <-timer.C:
		return true
	}
}

// classify decides whether a mapped remote status ends the session, and
// with which final store write.
func (m *SessionManager) classify(direction Direction, mapping StatusMapping) (Mutation, bool) {
	switch direction {
	case AwaitingLink:
		if !classifyLink(mapping) {
			return Mutation{}, false
		}
		return MutationFromMapping(mapping, WriterPoll), true
	case AwaitingUnlink:
		if !classifyUnlink(mapping) {
			return Mutation{}, false
		}
		return MutationFromMapping(mapping, WriterPoll), true
	}
	return Mutation{}, false
}

// classifyLink reports whether the awaiting-link direction has a terminal
// answer: any linked-family status (success) or an explicit refusal
// (failure). PENDING and everything else keeps polling.
func classifyLink(mapping StatusMapping) bool {
	return mapping.Linked || refusedFamily(mapping.Raw)
}

// classifyUnlink reports whether the awaiting-unlink direction is done:
// the account no longer reports a linked-family status.
func classifyUnlink(mapping StatusMapping) bool {
	return !mapping.Linked
}

// fallbackMutation is applied when a session exhausts its attempts with
// no terminal answer. Automatic sessions park the account in Pending so
// the UI offers a manual re-check; a failed manual probe reverts to the
// pre-action status instead of leaving the row stuck in a transitional
// state.
func (m *SessionManager) fallbackMutation(session *pollSession) Mutation {
	if !session.manual {
		status := StatusLinkPending
		display := DisplayPending
		linked := false
		if session.key.direction == AwaitingUnlink {
			status = StatusUnlinkPending
			display = DisplayDisconnecting
			linked = true
		}
		return Mutation{Writer: WriterPoll, Status: &status, Display: &display, Linked: &linked}
	}
	if session.key.direction == AwaitingUnlink {
		status := StatusLinked
		display := DisplayConnected
		linked := true
		return Mutation{Writer: WriterPoll, Status: &status, Display: &display, Linked: &linked}
	}
	status := StatusNotLinked
	display := DisplayLink
	linked := false
	return Mutation{Writer: WriterPoll, Status: &status, Display: &display, Linked: &linked}
}

func (m *SessionManager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
