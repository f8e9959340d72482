package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hivemind/internal/pool/ledger"
	"hivemind/internal/pool/liveness"
	"hivemind/internal/pool/matcher"
	"hivemind/internal/pool/orchestrator"
	"hivemind/internal/pool/registry"
	"hivemind/pkg/model"
	"hivemind/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMessenger records handoff instructions instead of delivering them
type fakeMessenger struct {
	mu    sync.Mutex
	sent  []orchestrator.HandoffInstruction
	fail  error
	nodes []string
}

func (f *fakeMessenger) SendHandoff(_ context.Context, nodeID string, instr orchestrator.HandoffInstruction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, instr)
	f.nodes = append(f.nodes, nodeID)
	return nil
}

func (f *fakeMessenger) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	store *store.MemoryStore
	led   *ledger.Ledger
	msg   *fakeMessenger
	orch  *orchestrator.Orchestrator
}

func newFixture(t *testing.T, opts orchestrator.Options) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New(s, liveness.NewPolicy(30*time.Second), zap.NewNop())
	m := matcher.New(reg)
	tokens := ledger.NewTokenIssuer("test-secret", time.Hour)
	led := ledger.New(s, tokens, zap.NewNop())
	msg := &fakeMessenger{}
	return &fixture{
		store: s,
		led:   led,
		msg:   msg,
		orch:  orchestrator.New(s, m, led, msg, opts, zap.NewNop()),
	}
}

func (f *fixture) addNode(t *testing.T, id, owner string) {
	t.Helper()
	require.NoError(t, f.store.PutNode(context.Background(), &model.NodeRecord{
		ID: id, CPUScore: 5000, GPUScore: 4000, MemoryGB: 16, GPUMemGB: 8,
		Location: "TW", GPUName: "RTX4090",
		Status: model.NodeIdle, LastHeartbeat: time.Now().Unix(),
		Owner: owner,
	}))
}

func (f *fixture) addUser(t *testing.T, username string, balance int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.led.Register(ctx, username, "pw"))
	if balance > 0 {
		require.NoError(t, f.led.Deposit(ctx, username, balance))
	}
}

func request(requester string) model.ResourceRequest {
	return model.ResourceRequest{
		CPUScore: 4000, GPUScore: 3000, MemoryGB: 8, GPUMemGB: 4,
		Location: model.AnyFilter, GPUName: model.AnyFilter,
		Requester: requester,
	}
}

func TestOrchestrator_RequestResource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 10})
	f.addNode(t, "n1", "owner")
	f.addUser(t, "alice", 100)

	result, sessionID, err := f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	require.NoError(t, err)
	assert.Equal(t, "n1", result.Node.ID)
	assert.NotEmpty(t, sessionID)

	// Node is claimed
	node, err := f.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeBusy, node.Status)

	// Instruction was delivered with the requester's address
	require.Equal(t, 1, f.msg.sentCount())
	assert.Equal(t, "n1", f.msg.nodes[0])
	assert.Equal(t, "10.0.0.5:9000", f.msg.sent[0].RequesterAddr)
	assert.Equal(t, sessionID, f.msg.sent[0].SessionID)

	session, err := f.orch.Session(sessionID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateHandoffSent, session.State)
}

func TestOrchestrator_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 10})
	f.addNode(t, "n1", "owner")
	f.addUser(t, "broke", 9)

	_, _, err := f.orch.RequestResource(ctx, request("broke"), "10.0.0.5:9000")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// Balance is checked before any claim, so the node stays Idle
	node, err := f.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeIdle, node.Status)
	assert.Equal(t, 0, f.msg.sentCount())
}

func TestOrchestrator_NoNodeAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 10})
	f.addUser(t, "alice", 100)

	_, _, err := f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	assert.ErrorIs(t, err, orchestrator.ErrNoNodeAvailable)
}

func TestOrchestrator_NoDoubleBooking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 1})
	f.addNode(t, "n1", "owner")
	f.addUser(t, "alice", 1000)

	// Many concurrent requests race for a single node:
	// exactly one wins, the rest see no node available
	const callers = 16
	var wg sync.WaitGroup
	wg.Add(callers)
	var mu sync.Mutex
	granted, denied := 0, 0

	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, _, err := f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
			} else if errors.Is(err, orchestrator.ErrNoNodeAvailable) {
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, callers-1, denied)
	assert.Equal(t, 1, f.msg.sentCount())
}

func TestOrchestrator_SecondRequestAfterClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 10})
	f.addNode(t, "n1", "owner")
	f.addUser(t, "alice", 100)
	f.addUser(t, "bob", 100)

	_, _, err := f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	require.NoError(t, err)

	// The only node is Busy now
	_, _, err = f.orch.RequestResource(ctx, request("bob"), "10.0.0.6:9000")
	assert.ErrorIs(t, err, orchestrator.ErrNoNodeAvailable)
}

func TestOrchestrator_HandoffFailureReleasesNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 10})
	f.addNode(t, "n1", "owner")
	f.addUser(t, "alice", 100)
	f.msg.fail = errors.New("worker channel closed")

	_, _, err := f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	assert.ErrorIs(t, err, orchestrator.ErrHandoffFailed)

	// The claim is rolled back so the node is immediately reusable
	node, err := f.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeIdle, node.Status)

	f.msg.fail = nil
	_, _, err = f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	assert.NoError(t, err)
}

func TestOrchestrator_ClaimTimeoutReleasesNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 10, ClaimTimeout: 30 * time.Millisecond})
	f.addNode(t, "n1", "owner")
	f.addUser(t, "alice", 100)

	_, sessionID, err := f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	require.NoError(t, err)

	// The worker never acknowledges; the claim must be reclaimed
	require.Eventually(t, func() bool {
		node, err := f.store.GetNode(ctx, "n1")
		return err == nil && node.Status == model.NodeIdle
	}, time.Second, 5*time.Millisecond)

	// Late acknowledgements cannot revive the reclaimed session
	err = f.orch.Acknowledge(sessionID)
	assert.ErrorIs(t, err, orchestrator.ErrUnknownSession)

	node, err := f.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeIdle, node.Status)
}

// ackOnDelivery 在指令送达的瞬间就回确认，模拟抢在 sendHandoff
// 返回之前到达的 Worker 响应
type ackOnDelivery struct {
	orch *orchestrator.Orchestrator
}

func (m *ackOnDelivery) SendHandoff(_ context.Context, _ string, instr orchestrator.HandoffInstruction) error {
	return m.orch.Acknowledge(instr.SessionID)
}

func TestOrchestrator_ImmediateAckStopsClaimTimer(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	reg := registry.New(s, liveness.NewPolicy(30*time.Second), zap.NewNop())
	m := matcher.New(reg)
	tokens := ledger.NewTokenIssuer("test-secret", time.Hour)
	led := ledger.New(s, tokens, zap.NewNop())
	msg := &ackOnDelivery{}
	orch := orchestrator.New(s, m, led, msg, orchestrator.Options{
		SessionCost: 10, ClaimTimeout: 30 * time.Millisecond,
	}, zap.NewNop())
	msg.orch = orch

	require.NoError(t, s.PutNode(ctx, &model.NodeRecord{
		ID: "n1", CPUScore: 5000, GPUScore: 4000, MemoryGB: 16, GPUMemGB: 8,
		Status: model.NodeIdle, LastHeartbeat: time.Now().Unix(), Owner: "owner",
	}))
	require.NoError(t, led.Register(ctx, "alice", "pw"))
	require.NoError(t, led.Deposit(ctx, "alice", 100))

	_, sessionID, err := orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	require.NoError(t, err)

	// The in-flight acknowledgement must land, not be dropped
	session, err := orch.Session(sessionID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateAcknowledged, session.State)

	// Well past the claim timeout the node must still be held
	time.Sleep(100 * time.Millisecond)
	node, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeBusy, node.Status)
}

func TestOrchestrator_AcknowledgeStopsClaimTimer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 10, ClaimTimeout: 30 * time.Millisecond})
	f.addNode(t, "n1", "owner")
	f.addUser(t, "alice", 100)

	_, sessionID, err := f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	require.NoError(t, err)
	require.NoError(t, f.orch.Acknowledge(sessionID))

	// Well past the claim timeout the node must still be held
	time.Sleep(100 * time.Millisecond)
	node, err := f.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeBusy, node.Status)

	session, err := f.orch.Session(sessionID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateAcknowledged, session.State)
}

func TestOrchestrator_CompleteSettlesAndReleases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 10})
	f.addNode(t, "n1", "owner")
	f.addUser(t, "alice", 100)
	f.addUser(t, "owner", 0)

	_, sessionID, err := f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	require.NoError(t, err)
	require.NoError(t, f.orch.Acknowledge(sessionID))
	require.NoError(t, f.orch.Activate(sessionID))
	require.NoError(t, f.orch.Complete(ctx, sessionID))

	// Node released
	node, err := f.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeIdle, node.Status)

	// Session cost moved from requester to the node owner's account
	aliceBalance, err := f.led.Balance(ctx, "alice")
	require.NoError(t, err)
	ownerBalance, err := f.led.Balance(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(90), aliceBalance)
	assert.Equal(t, int64(10), ownerBalance)

	// Earnings counter on the node record tracks the settlement
	assert.Equal(t, int64(10), node.CreditBalance)

	// The session is finished and cannot be completed twice
	assert.ErrorIs(t, f.orch.Complete(ctx, sessionID), orchestrator.ErrUnknownSession)
	assert.Equal(t, int64(90), aliceBalance)
}

func TestOrchestrator_SessionLifecycleStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Options{SessionCost: 10})
	f.addNode(t, "n1", "owner")
	f.addUser(t, "alice", 100)
	f.addUser(t, "owner", 0)

	_, sessionID, err := f.orch.RequestResource(ctx, request("alice"), "10.0.0.5:9000")
	require.NoError(t, err)

	states := []struct {
		step func() error
		want orchestrator.SessionState
	}{
		{func() error { return f.orch.Acknowledge(sessionID) }, orchestrator.StateAcknowledged},
		{func() error { return f.orch.Activate(sessionID) }, orchestrator.StateSessionActive},
	}
	for _, s := range states {
		require.NoError(t, s.step())
		session, err := f.orch.Session(sessionID)
		require.NoError(t, err)
		assert.Equal(t, s.want, session.State)
	}

	// Duplicate acknowledgement after activation is an idempotent no-op
	require.NoError(t, f.orch.Acknowledge(sessionID))
	session, err := f.orch.Session(sessionID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateSessionActive, session.State)

	require.NoError(t, f.orch.Complete(ctx, sessionID))
	_, err = f.orch.Session(sessionID)
	assert.ErrorIs(t, err, orchestrator.ErrUnknownSession)
}

func TestOrchestrator_UnknownSessionOperations(t *testing.T) {
	f := newFixture(t, orchestrator.Options{SessionCost: 10})

	assert.ErrorIs(t, f.orch.Acknowledge("nope"), orchestrator.ErrUnknownSession)
	assert.ErrorIs(t, f.orch.Activate("nope"), orchestrator.ErrUnknownSession)
	assert.ErrorIs(t, f.orch.Complete(context.Background(), "nope"), orchestrator.ErrUnknownSession)
}
