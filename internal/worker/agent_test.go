package worker_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"hivemind/internal/worker"
	"hivemind/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePool is a minimal pool endpoint for driving the agent
type fakePool struct {
	mu         sync.Mutex
	registered []map[string]interface{}
	heartbeats []map[string]interface{}
	forgotten  bool // 模拟节点池重启后丢失注册状态

	upgrader websocket.Upgrader
	wsConn   chan *websocket.Conn
}

func newFakePool() *fakePool {
	return &fakePool{wsConn: make(chan *websocket.Conn, 1)}
}

func (p *fakePool) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/nodes/register", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.registered = append(p.registered, body)
		p.forgotten = false
		p.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/v1/nodes/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		if p.forgotten {
			p.mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"ok":false,"kind":"not_registered","message":"node not registered"}`))
			return
		}
		p.heartbeats = append(p.heartbeats, body)
		p.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/v1/nodes/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.wsConn <- conn
	})
	return mux
}

func (p *fakePool) forget() {
	p.mu.Lock()
	p.forgotten = true
	p.mu.Unlock()
}

func (p *fakePool) registeredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registered)
}

func (p *fakePool) lastHeartbeatStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.heartbeats) == 0 {
		return ""
	}
	status, _ := p.heartbeats[len(p.heartbeats)-1]["status"].(string)
	return status
}

func workerConfig(poolURL string) *config.Config {
	cfg := &config.Config{}
	cfg.Worker.NodeID = "test-node"
	cfg.Worker.PoolURL = poolURL
	cfg.Worker.CPUScore = 5000
	cfg.Worker.GPUScore = 4000
	cfg.Worker.MemoryGB = 16
	cfg.Worker.GPUMemGB = 8
	cfg.Worker.Location = "TW"
	cfg.Worker.GPUName = "RTX4090"
	cfg.Worker.Owner = "owner"
	cfg.Worker.HeartbeatInterval = 20 * time.Millisecond
	return cfg
}

func TestAgent_RegistersAndHeartbeats(t *testing.T) {
	pool := newFakePool()
	ts := httptest.NewServer(pool.handler())
	defer ts.Close()

	agent := worker.NewAgent(workerConfig(ts.URL), zap.NewNop())
	assert.Equal(t, "test-node", agent.NodeID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)

	require.Eventually(t, func() bool {
		return pool.registeredCount() >= 1 && pool.lastHeartbeatStatus() == "Idle"
	}, 5*time.Second, 10*time.Millisecond)

	pool.mu.Lock()
	reg := pool.registered[0]
	pool.mu.Unlock()
	assert.Equal(t, "test-node", reg["node_id"])
	assert.Equal(t, float64(5000), reg["cpu_score"])
	assert.Equal(t, "RTX4090", reg["gpu_name"])
	assert.Contains(t, []interface{}{"enabled", "disabled"}, reg["docker_status"])
}

func TestAgent_ReRegistersWhenPoolForgetsNode(t *testing.T) {
	pool := newFakePool()
	ts := httptest.NewServer(pool.handler())
	defer ts.Close()

	agent := worker.NewAgent(workerConfig(ts.URL), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)

	require.Eventually(t, func() bool {
		return pool.registeredCount() == 1 && pool.lastHeartbeatStatus() == "Idle"
	}, 5*time.Second, 10*time.Millisecond)

	// 节点池“重启”，心跳开始吃到 not_registered
	pool.forget()

	// Agent 必须识别出结构化的 not_registered 并重新注册
	require.Eventually(t, func() bool {
		return pool.registeredCount() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// 重新注册后心跳恢复正常
	pool.mu.Lock()
	before := len(pool.heartbeats)
	pool.mu.Unlock()
	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return len(pool.heartbeats) > before
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Idle", pool.lastHeartbeatStatus())
}

func TestAgent_HandoffConnectBack(t *testing.T) {
	pool := newFakePool()
	ts := httptest.NewServer(pool.handler())
	defer ts.Close()

	// Stand in for the requester waiting for the worker to dial in
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	agent := worker.NewAgent(workerConfig(ts.URL), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)

	// Wait for the agent's command channel
	var ws *websocket.Conn
	select {
	case ws = <-pool.wsConn:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never opened the command channel")
	}
	defer ws.Close()

	// Push the handoff instruction down the channel
	require.NoError(t, ws.WriteJSON(map[string]string{
		"type":           "handoff",
		"session_id":     "sess-1",
		"requester_addr": listener.Addr().String(),
	}))

	readEnvelope := func() map[string]string {
		var env map[string]string
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		require.NoError(t, ws.ReadJSON(&env))
		return env
	}

	env := readEnvelope()
	assert.Equal(t, "ack", env["type"])
	assert.Equal(t, "sess-1", env["session_id"])

	// The worker dials the requester directly
	var direct net.Conn
	select {
	case direct = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never connected back")
	}

	env = readEnvelope()
	assert.Equal(t, "active", env["type"])

	// While the session runs the heartbeat reports Busy
	require.Eventually(t, func() bool {
		return pool.lastHeartbeatStatus() == "Busy"
	}, 5*time.Second, 10*time.Millisecond)

	// Requester hangs up; the worker reports completion and goes back to Idle
	direct.Close()
	env = readEnvelope()
	assert.Equal(t, "complete", env["type"])
	assert.Equal(t, "sess-1", env["session_id"])

	require.Eventually(t, func() bool {
		return pool.lastHeartbeatStatus() == "Idle"
	}, 5*time.Second, 10*time.Millisecond)
}
