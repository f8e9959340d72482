package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"hivemind/internal/pool/orchestrator"
	"hivemind/internal/pool/registry"
	"hivemind/pkg/store"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrWorkerOffline 目标 Worker 没有在线的指令通道
var ErrWorkerOffline = errors.New("api: worker channel offline")

const (
	wsWriteTimeout = 5 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

// wsEnvelope 指令通道上的消息封装，双向共用
type wsEnvelope struct {
	Type          string `json:"type"` // handoff | ack | active | complete
	SessionID     string `json:"session_id,omitempty"`
	RequesterAddr string `json:"requester_addr,omitempty"`
}

// Hub 维护每个在线 Worker 的 websocket 指令通道
// 实现 orchestrator.Messenger：把定向连接指令推给指定节点
type Hub struct {
	registry *registry.Registry
	log      *zap.Logger
	upgrader websocket.Upgrader

	// Acknowledge/Activate/Complete 回调，启动时由编排器注入
	// (Hub 先于编排器构造，二者互相引用)
	orch *orchestrator.Orchestrator

	mu    sync.RWMutex
	conns map[string]*workerConn
}

type workerConn struct {
	nodeID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewHub(reg *registry.Registry, log *zap.Logger) *Hub {
	return &Hub{
		registry: reg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*workerConn),
	}
}

// Bind 注入编排器回调
func (h *Hub) Bind(orch *orchestrator.Orchestrator) {
	h.orch = orch
}

// SendHandoff 把指令推给指定 Worker，通道不在线直接报错，
// 编排器据此释放占用并走 HandoffFailed 路径
func (h *Hub) SendHandoff(ctx context.Context, nodeID string, instr orchestrator.HandoffInstruction) error {
	h.mu.RLock()
	wc, ok := h.conns[nodeID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerOffline, nodeID)
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	return wc.writeJSON(deadline, wsEnvelope{
		Type:          "handoff",
		SessionID:     instr.SessionID,
		RequesterAddr: instr.RequesterAddr,
	})
}

// handleWS Worker 建立指令通道；必须先注册过
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}
	if _, err := h.registry.Get(r.Context(), nodeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "node not registered", http.StatusNotFound)
			return
		}
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("node_id", nodeID), zap.Error(err))
		return
	}

	wc := &workerConn{nodeID: nodeID, conn: conn}
	h.mu.Lock()
	if old, ok := h.conns[nodeID]; ok {
		old.conn.Close() // 同一节点重连，旧通道作废
	}
	h.conns[nodeID] = wc
	h.mu.Unlock()

	h.log.Info("worker channel connected", zap.String("node_id", nodeID))
	go h.pingLoop(wc)
	h.readLoop(wc)
}

func (h *Hub) readLoop(wc *workerConn) {
	defer func() {
		h.mu.Lock()
		if h.conns[wc.nodeID] == wc {
			delete(h.conns, wc.nodeID)
		}
		h.mu.Unlock()
		wc.conn.Close()
		h.log.Info("worker channel closed", zap.String("node_id", wc.nodeID))
	}()

	wc.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.log.Warn("malformed worker message", zap.String("node_id", wc.nodeID))
			continue
		}
		h.dispatch(wc.nodeID, env)
	}
}

// dispatch Worker 上行消息驱动会话状态机
func (h *Hub) dispatch(nodeID string, env wsEnvelope) {
	if h.orch == nil || env.SessionID == "" {
		return
	}
	var err error
	switch env.Type {
	case "ack":
		err = h.orch.Acknowledge(env.SessionID)
	case "active":
		err = h.orch.Activate(env.SessionID)
	case "complete":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = h.orch.Complete(ctx, env.SessionID)
	default:
		h.log.Debug("ignoring worker message", zap.String("type", env.Type))
		return
	}
	if err != nil && !errors.Is(err, orchestrator.ErrUnknownSession) {
		h.log.Warn("session event failed",
			zap.String("node_id", nodeID),
			zap.String("type", env.Type),
			zap.String("session_id", env.SessionID),
			zap.Error(err))
	}
}

func (h *Hub) pingLoop(wc *workerConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		wc.writeMu.Lock()
		err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
		wc.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (wc *workerConn) writeJSON(deadline time.Time, v interface{}) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(deadline)
	return wc.conn.WriteJSON(v)
}
