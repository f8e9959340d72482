package worker

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"hivemind/pkg/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	dialTimeout        = 10 * time.Second
)

// wsEnvelope 指令通道消息，与节点池侧的封装字段一致
type wsEnvelope struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id,omitempty"`
	RequesterAddr string `json:"requester_addr,omitempty"`
}

// channelLoop 维持指令通道，断开后指数退避重连
func (a *Agent) channelLoop(ctx context.Context) {
	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		target, err := a.wsURL()
		if err != nil {
			a.log.Error("invalid pool url", zap.Error(err))
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			a.log.Warn("channel connect failed, retrying",
				zap.Duration("delay", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		delay = reconnectBaseDelay
		a.log.Info("command channel established")
		a.readChannel(ctx, conn)
		conn.Close()
	}
}

func (a *Agent) readChannel(ctx context.Context, conn *websocket.Conn) {
	// ctx 取消时主动断开，读循环随之退出
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.log.Warn("malformed channel message")
			continue
		}
		if env.Type == "handoff" {
			go a.handleHandoff(ctx, conn, env)
		}
	}
}

// handleHandoff 收到定向连接指令：确认 → 回连请求方 → 会话
// 编排器只做引荐，这条直连上的数据不经过节点池
func (a *Agent) handleHandoff(ctx context.Context, conn *websocket.Conn, env wsEnvelope) {
	a.log.Info("handoff received",
		zap.String("session_id", env.SessionID),
		zap.String("requester", env.RequesterAddr))

	a.send(conn, wsEnvelope{Type: "ack", SessionID: env.SessionID})

	dialer := net.Dialer{Timeout: dialTimeout}
	direct, err := dialer.DialContext(ctx, "tcp", env.RequesterAddr)
	if err != nil {
		// 回连失败不发 active，节点池的占用回收会把节点放回 Idle
		a.log.Warn("connect-back failed",
			zap.String("session_id", env.SessionID), zap.Error(err))
		return
	}

	a.setStatus(string(model.NodeBusy))
	a.send(conn, wsEnvelope{Type: "active", SessionID: env.SessionID})

	// 会话随直连生命周期走：对端挂断即结束并上报结算
	a.runSession(ctx, direct)

	a.setStatus(string(model.NodeIdle))
	a.send(conn, wsEnvelope{Type: "complete", SessionID: env.SessionID})
	a.log.Info("session finished", zap.String("session_id", env.SessionID))
}

// runSession 占住直连直到对端关闭或 ctx 取消
// 会话里传什么由上层应用决定，代理不解析内容
func (a *Agent) runSession(ctx context.Context, direct net.Conn) {
	defer direct.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			if _, err := direct.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *Agent) send(conn *websocket.Conn, env wsEnvelope) {
	a.wsMu.Lock()
	defer a.wsMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(env); err != nil {
		a.log.Warn("channel write failed", zap.String("type", env.Type), zap.Error(err))
	}
}
