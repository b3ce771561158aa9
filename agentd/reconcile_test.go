package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaymesh/agentlink/agentd/ledger"
)

func testIdentity() Identity {
	return Identity{
		AgentID:          "agent-a",
		InboundStreamID:  "a-inbox",
		OutboundStreamID: "a-outbox",
	}
}

type fakeDirectory struct {
	inbound  map[string]string
	profiles map[string]ProfileInfo
}

func (f *fakeDirectory) InboundStreamID(ctx context.Context, agentID string) (string, error) {
	if s, ok := f.inbound[agentID]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoProfile, agentID)
}

func (f *fakeDirectory) Profile(ctx context.Context, agentID string) (ProfileInfo, error) {
	if p, ok := f.profiles[agentID]; ok {
		return p, nil
	}
	return ProfileInfo{}, fmt.Errorf("%w: %s", ErrNoProfile, agentID)
}

// setupReconciler builds a reconciler over an in-memory ledger with retry
// delays shrunk for tests.
func setupReconciler(t *testing.T, dir *fakeDirectory) (*Reconciler, *ledger.Memory, *ConnectionStore) {
	t.Helper()

	if dir == nil {
		dir = &fakeDirectory{inbound: map[string]string{}, profiles: map[string]ProfileInfo{}}
	}
	mem := ledger.NewMemory()
	store := NewConnectionStore(nil)
	rec := NewReconciler(mem, dir, store, testIdentity(), zerolog.Nop())
	rec.lookupDelay = time.Millisecond
	return rec, mem, store
}

func appendRequest(t *testing.T, m *ledger.Memory, streamID, author, target, inboundStream string, corr uint64) uint64 {
	t.Helper()
	body, err := json.Marshal(requestBody{Target: target, InboundStream: inboundStream})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	seq, err := m.Append(context.Background(), streamID, ledger.Entry{
		AuthorID:      author,
		Op:            ledger.OpRequest,
		CorrelationID: corr,
		Payload:       body,
	})
	if err != nil {
		t.Fatalf("append request: %v", err)
	}
	return seq
}

func appendConfirm(t *testing.T, m *ledger.Memory, streamID, author, channel string, corr uint64) uint64 {
	t.Helper()
	body, err := marshalConfirmBody(confirmBody{ChannelStream: channel})
	if err != nil {
		t.Fatalf("marshal confirm: %v", err)
	}
	seq, err := m.Append(context.Background(), streamID, ledger.Entry{
		AuthorID:      author,
		Op:            ledger.OpConfirmed,
		CorrelationID: corr,
		Payload:       body,
	})
	if err != nil {
		t.Fatalf("append confirm: %v", err)
	}
	return seq
}

func appendChat(t *testing.T, m *ledger.Memory, streamID, author, text string) uint64 {
	t.Helper()
	seq, err := m.Append(context.Background(), streamID, ledger.Entry{
		AuthorID: author,
		Op:       ledger.OpMessage,
		Payload:  []byte(text),
	})
	if err != nil {
		t.Fatalf("append chat: %v", err)
	}
	return seq
}

func findByState(conns []Connection, state LifecycleState) []Connection {
	var out []Connection
	for _, c := range conns {
		if c.State == state {
			out = append(out, c)
		}
	}
	return out
}

func TestMatchLogsPartition(t *testing.T) {
	outbound := []ledger.Entry{
		{Seq: 1, Op: ledger.OpRequest},
		{Seq: 2, Op: ledger.OpRequest},
		{Seq: 3, Op: ledger.OpConfirmed, CorrelationID: 2},
		{Seq: 4, Op: ledger.OpMessage},
	}
	inbound := []ledger.Entry{
		{Seq: 1, Op: ledger.OpRequest, AuthorID: "agent-q"},
		{Seq: 2, Op: ledger.OpConfirmed, CorrelationID: 1},
		{Seq: 3, Op: ledger.OpRequest, AuthorID: "agent-r"},
	}

	m := matchLogs(outbound, inbound)

	if len(m.outboundConfirmed) != 1 || m.outboundConfirmed[0].request.Seq != 2 {
		t.Errorf("outboundConfirmed = %+v", m.outboundConfirmed)
	}
	if len(m.outboundPending) != 1 || m.outboundPending[0].Seq != 1 {
		t.Errorf("outboundPending = %+v", m.outboundPending)
	}
	if len(m.inboundConfirmed) != 1 || m.inboundConfirmed[0].request.Seq != 1 {
		t.Errorf("inboundConfirmed = %+v", m.inboundConfirmed)
	}
	if len(m.inboundPending) != 1 || m.inboundPending[0].Seq != 3 {
		t.Errorf("inboundPending = %+v", m.inboundPending)
	}
}

func TestMatchLogsUsesDeliveredCorrelationID(t *testing.T) {
	// A request copy delivered from another log carries the canonical id
	// in its correlation field; the confirmation references that id, not
	// the local sequence number.
	inbound := []ledger.Entry{
		{Seq: 1, Op: ledger.OpRequest, CorrelationID: 40, AuthorID: "agent-b"},
		{Seq: 2, Op: ledger.OpConfirmed, CorrelationID: 40},
	}

	m := matchLogs(nil, inbound)
	if len(m.inboundConfirmed) != 1 {
		t.Fatalf("inboundConfirmed = %+v", m.inboundConfirmed)
	}
	if len(m.inboundPending) != 0 {
		t.Fatalf("inboundPending = %+v", m.inboundPending)
	}
}

// Outbound request #1 has no confirmation anywhere; request #2 is locally
// confirmed with channel stream X. One pending placeholder, one established.
func TestReconcileOutboundRequests(t *testing.T) {
	rec, mem, store := setupReconciler(t, nil)
	ctx := context.Background()

	appendRequest(t, mem, "a-outbox", "agent-a", "agent-b", "a-inbox", 0) // seq 1
	appendRequest(t, mem, "a-outbox", "agent-a", "agent-c", "a-inbox", 0) // seq 2
	appendConfirm(t, mem, "a-outbox", "agent-a", "chan-X", 2)

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	conns := store.List()
	pending := findByState(conns, StatePendingOutbound)
	established := findByState(conns, StateEstablished)

	if len(pending) != 1 {
		t.Fatalf("pending = %+v, want exactly 1", pending)
	}
	if pending[0].RequestID != 1 {
		t.Errorf("pending request id = %d, want 1", pending[0].RequestID)
	}
	if pending[0].RemotePartyID != "agent-b" {
		t.Errorf("pending remote = %q, want agent-b", pending[0].RemotePartyID)
	}

	if len(established) != 1 {
		t.Fatalf("established = %+v, want exactly 1", established)
	}
	if established[0].StreamID != "chan-X" {
		t.Errorf("established stream = %q, want chan-X", established[0].StreamID)
	}
	if established[0].RequestID != 2 {
		t.Errorf("established request id = %d, want 2", established[0].RequestID)
	}
}

// An inbound request with no confirmation and no existing connection to
// the requester yields a needs-confirmation placeholder keyed by the
// request's sequence number.
func TestReconcileInboundRequestNeedsConfirmation(t *testing.T) {
	rec, mem, store := setupReconciler(t, nil)
	ctx := context.Background()

	// Pad the inbox so the request lands at sequence 5.
	for i := 0; i < 4; i++ {
		appendChat(t, mem, "a-inbox", "agent-q", "noise")
	}
	appendRequest(t, mem, "a-inbox", "agent-q", "", "q-inbox", 0) // seq 5

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	needs := findByState(store.List(), StateNeedsConfirmation)
	if len(needs) != 1 {
		t.Fatalf("needs-confirmation = %+v, want exactly 1", needs)
	}
	if needs[0].RequestID != 5 {
		t.Errorf("request id = %d, want 5", needs[0].RequestID)
	}
	if needs[0].RemotePartyID != "agent-q" {
		t.Errorf("remote = %q, want agent-q", needs[0].RemotePartyID)
	}
	if needs[0].RemoteInboundStreamID != "q-inbox" {
		t.Errorf("remote inbound = %q, want q-inbox", needs[0].RemoteInboundStreamID)
	}
}

// With no local confirmation, the remote party's inbound log is searched
// for a confirmation matching the request's correlation id.
func TestReconcileRemoteConfirmationFallback(t *testing.T) {
	dir := &fakeDirectory{
		inbound:  map[string]string{"agent-b": "b-inbox"},
		profiles: map[string]ProfileInfo{},
	}
	rec, mem, store := setupReconciler(t, dir)
	ctx := context.Background()

	reqID := appendRequest(t, mem, "a-outbox", "agent-a", "agent-b", "a-inbox", 0)
	appendConfirm(t, mem, "b-inbox", "agent-b", "chan-Y", reqID)

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	established := findByState(store.List(), StateEstablished)
	if len(established) != 1 {
		t.Fatalf("established = %+v, want exactly 1", established)
	}
	if established[0].StreamID != "chan-Y" {
		t.Errorf("stream = %q, want chan-Y", established[0].StreamID)
	}
	if established[0].RemotePartyID != "agent-b" {
		t.Errorf("remote = %q, want agent-b", established[0].RemotePartyID)
	}
}

// Once a connection is established, a later pass that cannot reach the
// remote side must not resurrect a pending placeholder next to the stored
// established record.
func TestReconcileKeepsEstablishedWhenLookupDegrades(t *testing.T) {
	dir := &fakeDirectory{
		inbound:  map[string]string{"agent-b": "b-inbox"},
		profiles: map[string]ProfileInfo{},
	}
	rec, mem, store := setupReconciler(t, dir)
	ctx := context.Background()

	reqID := appendRequest(t, mem, "a-outbox", "agent-a", "agent-b", "a-inbox", 0)
	appendConfirm(t, mem, "b-inbox", "agent-b", "chan-Y", reqID)

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}

	delete(dir.inbound, "agent-b")
	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("degraded reconcile failed: %v", err)
	}

	conns := store.List()
	if len(conns) != 1 {
		t.Fatalf("connections = %+v, want exactly 1", conns)
	}
	if conns[0].State != StateEstablished || conns[0].StreamID != "chan-Y" {
		t.Errorf("connection = %+v, want established chan-Y", conns[0])
	}
}

// flakyLedger fails the first N reads of a stream, then delegates.
type flakyLedger struct {
	*ledger.Memory
	mu       sync.Mutex
	failures map[string]int
}

func (f *flakyLedger) ReadAll(ctx context.Context, streamID string) ([]ledger.Entry, error) {
	f.mu.Lock()
	if n := f.failures[streamID]; n > 0 {
		f.failures[streamID] = n - 1
		f.mu.Unlock()
		return nil, errors.New("stream temporarily unavailable")
	}
	f.mu.Unlock()
	return f.Memory.ReadAll(ctx, streamID)
}

func setupFlakyReconciler(t *testing.T, failures int) (*Reconciler, *flakyLedger, *ConnectionStore) {
	t.Helper()

	mem := ledger.NewMemory()
	flaky := &flakyLedger{Memory: mem, failures: map[string]int{"b-inbox": failures}}
	dir := &fakeDirectory{
		inbound:  map[string]string{"agent-b": "b-inbox"},
		profiles: map[string]ProfileInfo{},
	}
	store := NewConnectionStore(nil)
	rec := NewReconciler(flaky, dir, store, testIdentity(), zerolog.Nop())
	rec.lookupDelay = time.Millisecond
	return rec, flaky, store
}

// The remote lookup retries through transient read failures: a confirmation
// that only becomes readable on the final attempt still establishes.
func TestReconcileRemoteLookupRetries(t *testing.T) {
	rec, flaky, store := setupFlakyReconciler(t, remoteLookupAttempts-1)
	ctx := context.Background()

	reqID := appendRequest(t, flaky.Memory, "a-outbox", "agent-a", "agent-b", "a-inbox", 0)
	appendConfirm(t, flaky.Memory, "b-inbox", "agent-b", "chan-Y", reqID)

	if err := rec.Reconcile(ctx, ReconcileOptions{SkipEnrichment: true}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	established := findByState(store.List(), StateEstablished)
	if len(established) != 1 || established[0].StreamID != "chan-Y" {
		t.Fatalf("established = %+v, want chan-Y", established)
	}
}

// When every attempt in the retry budget fails, the request degrades to a
// pending placeholder instead of aborting the pass.
func TestReconcileRemoteLookupExhaustsRetries(t *testing.T) {
	rec, flaky, store := setupFlakyReconciler(t, remoteLookupAttempts)
	ctx := context.Background()

	reqID := appendRequest(t, flaky.Memory, "a-outbox", "agent-a", "agent-b", "a-inbox", 0)
	appendConfirm(t, flaky.Memory, "b-inbox", "agent-b", "chan-Y", reqID)

	if err := rec.Reconcile(ctx, ReconcileOptions{SkipEnrichment: true}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	pending := findByState(store.List(), StatePendingOutbound)
	if len(pending) != 1 || pending[0].RequestID != reqID {
		t.Fatalf("pending = %+v, want the degraded request", pending)
	}
	if established := findByState(store.List(), StateEstablished); len(established) != 0 {
		t.Errorf("established = %+v, want none", established)
	}
}

// A local confirmation always beats the remote lookup: even though the
// remote log holds a conflicting confirmation, the local one decides the
// channel stream.
func TestReconcileLocalConfirmationWins(t *testing.T) {
	dir := &fakeDirectory{
		inbound:  map[string]string{"agent-b": "b-inbox"},
		profiles: map[string]ProfileInfo{},
	}
	rec, mem, store := setupReconciler(t, dir)
	ctx := context.Background()

	reqID := appendRequest(t, mem, "a-outbox", "agent-a", "agent-b", "a-inbox", 0)
	appendConfirm(t, mem, "a-outbox", "agent-a", "chan-local", reqID)
	appendConfirm(t, mem, "b-inbox", "agent-b", "chan-remote", reqID)

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	established := findByState(store.List(), StateEstablished)
	if len(established) != 1 {
		t.Fatalf("established = %+v, want exactly 1", established)
	}
	if established[0].StreamID != "chan-local" {
		t.Errorf("stream = %q, want chan-local", established[0].StreamID)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	dir := &fakeDirectory{
		inbound:  map[string]string{"agent-b": "b-inbox"},
		profiles: map[string]ProfileInfo{"agent-b": {DisplayName: "Bee"}},
	}
	rec, mem, store := setupReconciler(t, dir)
	ctx := context.Background()

	reqID := appendRequest(t, mem, "a-outbox", "agent-a", "agent-b", "a-inbox", 0)
	appendConfirm(t, mem, "a-outbox", "agent-a", "chan-X", reqID)
	appendRequest(t, mem, "a-inbox", "agent-q", "", "q-inbox", 0)

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("first reconcile failed: %v", err)
	}
	first := store.List()

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	second := store.List()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("snapshots differ:\nfirst  = %+v\nsecond = %+v", first, second)
	}
}

// Two confirmed requests to the same party collapse into a single
// established connection.
func TestReconcileNoDuplicateEstablished(t *testing.T) {
	rec, mem, store := setupReconciler(t, nil)
	ctx := context.Background()

	r1 := appendRequest(t, mem, "a-inbox", "agent-q", "", "q-inbox", 0)
	r2 := appendRequest(t, mem, "a-inbox", "agent-q", "", "q-inbox", 0)
	appendConfirm(t, mem, "a-inbox", "agent-a", "chan-1", r1)
	appendConfirm(t, mem, "a-inbox", "agent-a", "chan-2", r2)

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	established := findByState(store.List(), StateEstablished)
	if len(established) != 1 {
		t.Fatalf("established to agent-q = %d, want 1", len(established))
	}
}

// An inbound request from a party we are already connected to is
// suppressed rather than producing a second record.
func TestReconcileSuppressesRequestFromEstablishedParty(t *testing.T) {
	rec, mem, store := setupReconciler(t, nil)
	ctx := context.Background()

	store.Upsert(Connection{
		StreamID:      "chan-existing",
		RemotePartyID: "agent-q",
		State:         StateEstablished,
	})

	appendRequest(t, mem, "a-inbox", "agent-q", "", "q-inbox", 0)

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if needs := findByState(store.List(), StateNeedsConfirmation); len(needs) != 0 {
		t.Errorf("needs-confirmation = %+v, want none", needs)
	}
}

func TestReconcileProfileEnrichment(t *testing.T) {
	dir := &fakeDirectory{
		inbound:  map[string]string{},
		profiles: map[string]ProfileInfo{"agent-q": {DisplayName: "Quill", Bio: "archivist"}},
	}
	rec, mem, store := setupReconciler(t, dir)
	ctx := context.Background()

	r1 := appendRequest(t, mem, "a-inbox", "agent-q", "", "q-inbox", 0)
	appendConfirm(t, mem, "a-inbox", "agent-a", "chan-q", r1)
	r2 := appendRequest(t, mem, "a-inbox", "agent-nobody-here-at-all", "", "", 0)
	appendConfirm(t, mem, "a-inbox", "agent-a", "chan-n", r2)

	if err := rec.Reconcile(ctx, ReconcileOptions{}); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	q, err := store.GetByIdentifier("chan-q")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if q.RemoteDisplayName != "Quill" {
		t.Errorf("display name = %q, want Quill", q.RemoteDisplayName)
	}
	if q.Profile == nil || q.Profile.Bio != "archivist" {
		t.Errorf("profile = %+v", q.Profile)
	}

	n, err := store.GetByIdentifier("chan-n")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if n.RemoteDisplayName != placeholderName("agent-nobody-here-at-all") {
		t.Errorf("placeholder name = %q", n.RemoteDisplayName)
	}
	if n.Profile != nil {
		t.Errorf("profile should stay unset on fetch failure, got %+v", n.Profile)
	}
}

func TestReconcileRequiresIdentity(t *testing.T) {
	mem := ledger.NewMemory()
	store := NewConnectionStore(nil)
	rec := NewReconciler(mem, &fakeDirectory{}, store, Identity{}, zerolog.Nop())

	err := rec.Reconcile(context.Background(), ReconcileOptions{})
	if err == nil {
		t.Fatal("expected configuration error")
	}
}
