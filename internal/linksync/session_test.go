package linksync

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeRemoteClient scripts remote answers per account: a finite sequence
// of statuses followed by a default. It is shared by the session, batch,
// and engine tests.
type fakeRemoteClient struct {
	mu            sync.Mutex
	statusSeq     map[string][]string
	statusDefault string
	statusCalls   map[string]int
	statusBlock   chan struct{}

	batchResults []RemoteStatus
	batchErr     error
	batchCalls   int
	batchBlock   chan struct{}

	linkErr     error
	linkCalls   int
	unlinkErr   error
	unlinkCalls int
}

func newFakeRemoteClient() *fakeRemoteClient {
	return &fakeRemoteClient{
		statusSeq:     map[string][]string{},
		statusDefault: "PENDING",
		statusCalls:   map[string]int{},
	}
}

func (f *fakeRemoteClient) Status(ctx context.Context, customerID string) (RemoteStatus, error) {
	f.mu.Lock()
	f.statusCalls[customerID]++
	block := f.statusBlock
	status := f.statusDefault
	if seq := f.statusSeq[customerID]; len(seq) > 0 {
		status = seq[0]
		f.statusSeq[customerID] = seq[1:]
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return RemoteStatus{}, ctx.Err()
		}
	}
	return RemoteStatus{CustomerID: customerID, Status: status}, nil
}

func (f *fakeRemoteClient) BatchStatus(ctx context.Context, customerIDs []string, forceRefresh bool) ([]RemoteStatus, error) {
	_ = forceRefresh
	f.mu.Lock()
	f.batchCalls++
	block := f.batchBlock
	results := f.batchResults
	err := f.batchErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = make([]RemoteStatus, 0, len(customerIDs))
		for _, id := range customerIDs {
			results = append(results, RemoteStatus{CustomerID: id, Status: "NOT_LINKED"})
		}
	}
	return results, nil
}

func (f *fakeRemoteClient) IssueLinkRequest(ctx context.Context, customerID, displayName string) error {
	_, _, _ = ctx, customerID, displayName
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls++
	return f.linkErr
}

func (f *fakeRemoteClient) IssueUnlinkRequest(ctx context.Context, customerID string) error {
	_, _ = ctx, customerID
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinkCalls++
	return f.unlinkErr
}

func (f *fakeRemoteClient) calls(customerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[customerID]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestManager(client RemoteClient, interval time.Duration, maxAttempts int) (*SessionManager, *Store) {
	store := NewStore(nil)
	manager := NewSessionManager(client, store, SessionManagerOptions{
		Interval:    interval,
		MaxAttempts: maxAttempts,
	})
	return manager, store
}

func TestStartAwaitingLinkIsIdempotent(t *testing.T) {
	client := newFakeRemoteClient()
	manager, _ := newTestManager(client, time.Hour, 9)

	if err := manager.StartAwaitingLink("123-456-7890", false); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := manager.StartAwaitingLink("1234567890", false); err != nil {
		t.Fatalf("duplicate start failed: %v", err)
	}
	if got := manager.Count(); got != 1 {
		t.Fatalf("expected exactly one session, got %d", got)
	}
	if !manager.Active("1234567890", AwaitingLink) {
		t.Fatalf("expected session to be active")
	}
	manager.Cancel("1234567890", AwaitingLink)
	if manager.Count() != 0 {
		t.Fatalf("expected cancel to remove the session")
	}
}

func TestStartRejectsMalformedID(t *testing.T) {
	client := newFakeRemoteClient()
	manager, _ := newTestManager(client, time.Hour, 9)
	if err := manager.StartAwaitingLink("not-an-id!", false); err == nil {
		t.Fatalf("expected error for malformed id")
	}
	if manager.Count() != 0 {
		t.Fatalf("expected no session for malformed id")
	}
}

func TestManualSessionRunsExactlyOneAttempt(t *testing.T) {
	client := newFakeRemoteClient()
	manager, store := newTestManager(client, time.Hour, 9)
	store.Apply("1234567890", MutationFromMapping(MapRemoteStatus("PENDING"), WriterRequest))

	if err := manager.StartAwaitingLink("1234567890", true); err != nil {
		t.Fatalf("manual start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return !manager.Active("1234567890", AwaitingLink)
	})
	if got := client.calls("1234567890"); got != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", got)
	}

	// A failed manual link probe reverts to the pre-action unlinked
	// display instead of leaving the row stuck on a transitional state.
	account, _ := store.Get("1234567890")
	if account.Display != DisplayLink || account.Linked {
		t.Fatalf("expected manual fallback to unlinked, got %+v", account)
	}
	if manager.guard.Busy("1234567890") {
		t.Fatalf("expected guard released after manual session")
	}
}

func TestManualUnlinkFallbackRevertsToConnected(t *testing.T) {
	client := newFakeRemoteClient()
	client.statusDefault = "LINKED"
	manager, store := newTestManager(client, time.Hour, 9)
	store.Apply("1234567890", MutationFromMapping(MapRemoteStatus("LINKED"), WriterPoll))

	if err := manager.StartAwaitingUnlink("1234567890", true); err != nil {
		t.Fatalf("manual start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return !manager.Active("1234567890", AwaitingUnlink)
	})
	account, _ := store.Get("1234567890")
	if account.Display != DisplayConnected || !account.Linked {
		t.Fatalf("expected manual unlink fallback to Connected, got %+v", account)
	}
}

func TestAutomaticSessionExhaustsAttemptsAndAppliesFallback(t *testing.T) {
	client := newFakeRemoteClient()
	manager, store := newTestManager(client, 2*time.Millisecond, 9)
	store.Apply("1234567890", MutationFromMapping(MapRemoteStatus("PENDING"), WriterRequest))

	if err := manager.StartAwaitingLink("1234567890", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return !manager.Active("1234567890", AwaitingLink)
	})
	if got := client.calls("1234567890"); got != 9 {
		t.Fatalf("expected exactly 9 attempts, got %d", got)
	}
	account, _ := store.Get("1234567890")
	if account.Status != StatusLinkPending || account.Display != DisplayPending {
		t.Fatalf("expected automatic fallback to Pending, got %+v", account)
	}
	if manager.guard.Busy("1234567890") {
		t.Fatalf("expected guard released after exhaustion")
	}
}

func TestSessionStopsOnTerminalLinkStatus(t *testing.T) {
	client := newFakeRemoteClient()
	client.statusSeq["1234567890"] = []string{"PENDING", "ACTIVE"}
	manager, store := newTestManager(client, 2*time.Millisecond, 9)
	store.Apply("1234567890", MutationFromMapping(MapRemoteStatus("PENDING"), WriterRequest))

	if err := manager.StartAwaitingLink("1234567890", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return !manager.Active("1234567890", AwaitingLink)
	})
	if got := client.calls("1234567890"); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	account, _ := store.Get("1234567890")
	if account.Display != DisplayConnected || !account.Linked {
		t.Fatalf("expected Connected after ACTIVE, got %+v", account)
	}
	if manager.guard.Busy("1234567890") {
		t.Fatalf("expected guard released on terminal status")
	}
}

func TestSessionStopsOnRefusal(t *testing.T) {
	client := newFakeRemoteClient()
	client.statusSeq["1234567890"] = []string{"REFUSED"}
	manager, store := newTestManager(client, 2*time.Millisecond, 9)
	store.Apply("1234567890", MutationFromMapping(MapRemoteStatus("PENDING"), WriterRequest))

	if err := manager.StartAwaitingLink("1234567890", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return !manager.Active("1234567890", AwaitingLink)
	})
	account, _ := store.Get("1234567890")
	if account.Linked || account.Display != DisplayLink {
		t.Fatalf("expected unlinked after refusal, got %+v", account)
	}
}

func TestUnlinkSessionStopsWhenNoLongerLinked(t *testing.T) {
	client := newFakeRemoteClient()
	client.statusSeq["1234567890"] = []string{"LINKED", "NOT_LINKED"}
	manager, store := newTestManager(client, 2*time.Millisecond, 9)
	store.Apply("1234567890", MutationFromMapping(MapRemoteStatus("LINKED"), WriterPoll))

	if err := manager.StartAwaitingUnlink("1234567890", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return !manager.Active("1234567890", AwaitingUnlink)
	})
	if got := client.calls("1234567890"); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	account, _ := store.Get("1234567890")
	if account.Linked {
		t.Fatalf("expected unlinked after NOT_LINKED, got %+v", account)
	}
}

func TestCancelDiscardsInFlightResult(t *testing.T) {
	client := newFakeRemoteClient()
	client.statusDefault = "ACTIVE"
	client.statusBlock = make(chan struct{})
	manager, store := newTestManager(client, time.Millisecond, 9)
	store.Apply("1234567890", MutationFromMapping(MapRemoteStatus("PENDING"), WriterRequest))

	if err := manager.StartAwaitingLink("1234567890", true); err != nil {
		t.Fatalf("manual start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return client.calls("1234567890") == 1
	})

	// Cancel while the check is in flight, then let it resolve: the
	// session must discard the ACTIVE it would otherwise have applied.
	manager.Cancel("1234567890", AwaitingLink)
	close(client.statusBlock)

	time.Sleep(20 * time.Millisecond)
	account, _ := store.Get("1234567890")
	if account.Display != DisplayPending {
		t.Fatalf("expected late result to be discarded, store shows %q", account.Display)
	}
}

func TestNotifyStatusStopsMatchingSessionEarly(t *testing.T) {
	client := newFakeRemoteClient()
	manager, _ := newTestManager(client, time.Hour, 9)

	if err := manager.StartAwaitingLink("1234567890", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// A pushed PENDING is not terminal and must not stop the session.
	manager.NotifyStatus("1234567890", MapRemoteStatus("PENDING"))
	if !manager.Active("1234567890", AwaitingLink) {
		t.Fatalf("expected non-terminal push to leave the session running")
	}

	manager.NotifyStatus("1234567890", MapRemoteStatus("ACTIVE"))
	if manager.Active("1234567890", AwaitingLink) {
		t.Fatalf("expected terminal push to stop the session")
	}
	if manager.guard.Busy("1234567890") {
		t.Fatalf("expected guard released on early stop")
	}
	if client.calls("1234567890") != 0 {
		t.Fatalf("expected no poll attempt before early stop")
	}
}

func TestGuardStaysBusyWhileSiblingSessionRuns(t *testing.T) {
	client := newFakeRemoteClient()
	manager, store := newTestManager(client, time.Hour, 9)

	if err := manager.StartAwaitingLink("1234567890", false); err != nil {
		t.Fatalf("link start failed: %v", err)
	}
	if err := manager.StartAwaitingUnlink("1234567890", false); err != nil {
		t.Fatalf("unlink start failed: %v", err)
	}

	manager.Cancel("1234567890", AwaitingUnlink)
	if !manager.Active("1234567890", AwaitingLink) {
		t.Fatalf("expected link session to survive unlink cancel")
	}
	if !manager.guard.Busy("1234567890") {
		t.Fatalf("guard must stay busy while the link session runs")
	}
	if store.Apply("1234567890", MutationFromMapping(MapRemoteStatus("NOT_LINKED"), WriterBatch)) {
		t.Fatalf("batch write must still be vetoed")
	}

	manager.Cancel("1234567890", AwaitingLink)
	if manager.guard.Busy("1234567890") {
		t.Fatalf("expected guard released once both sessions are gone")
	}
}

func TestStopAllWaitsForSessions(t *testing.T) {
	client := newFakeRemoteClient()
	manager, _ := newTestManager(client, time.Hour, 9)
	for _, id := range []string{"1111111111", "2222222222", "3333333333"} {
		if err := manager.StartAwaitingLink(id, false); err != nil {
			t.Fatalf("start %s failed: %v", id, err)
		}
	}
	manager.StopAll()
	if manager.Count() != 0 {
		t.Fatalf("expected all sessions stopped, %d remain", manager.Count())
	}
}
