package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hivemind/internal/pool/ledger"
	"hivemind/internal/pool/matcher"
	"hivemind/pkg/model"
	"hivemind/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState 每个资源请求的状态机
type SessionState string

const (
	StateRequested     SessionState = "Requested"
	StateMatched       SessionState = "Matched"
	StateHandoffSent   SessionState = "HandoffSent"
	StateAcknowledged  SessionState = "Acknowledged"
	StateSessionActive SessionState = "SessionActive"
	// 终态
	StateNoNodeAvailable SessionState = "NoNodeAvailable"
	StateHandoffFailed   SessionState = "HandoffFailed"
	StateCompleted       SessionState = "Completed"
)

var (
	ErrNoNodeAvailable = errors.New("orchestrator: no node available")
	ErrHandoffFailed   = errors.New("orchestrator: handoff failed")
	ErrUnknownSession  = errors.New("orchestrator: unknown session")
)

// 占用竞争的本地重试上限：这是操作自身正确性的一部分，不算瞬时故障重试
const maxClaimAttempts = 4

// HandoffInstruction 下发给 Worker 的定向连接指令
type HandoffInstruction struct {
	SessionID     string `json:"session_id"`
	RequesterAddr string `json:"requester_addr"`
}

// Messenger 把指令送达指定 Worker，由边界层的 websocket hub 实现
type Messenger interface {
	SendHandoff(ctx context.Context, nodeID string, instr HandoffInstruction) error
}

// Session 一次资源请求的编排状态
type Session struct {
	ID        string
	Requester string
	NodeID    string
	State     SessionState
	CreatedAt time.Time

	timer *time.Timer // 占用回收定时器
}

// Orchestrator 连接编排器
// 匹配是只读的，这里负责有副作用的部分：CAS 占用节点、下发指令、
// 回收超时占用、会话结束后驱动账本结算
type Orchestrator struct {
	store     store.Store
	matcher   *matcher.Matcher
	ledger    *ledger.Ledger
	messenger Messenger
	log       *zap.Logger

	claimTimeout   time.Duration
	handoffTimeout time.Duration
	sessionCost    int64

	mu       sync.Mutex
	sessions map[string]*Session
}

type Options struct {
	ClaimTimeout   time.Duration
	HandoffTimeout time.Duration
	SessionCost    int64
}

func New(s store.Store, m *matcher.Matcher, l *ledger.Ledger, msg Messenger, opts Options, log *zap.Logger) *Orchestrator {
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 15 * time.Second
	}
	if opts.HandoffTimeout <= 0 {
		opts.HandoffTimeout = 5 * time.Second
	}
	return &Orchestrator{
		store:          s,
		matcher:        m,
		ledger:         l,
		messenger:      msg,
		log:            log,
		claimTimeout:   opts.ClaimTimeout,
		handoffTimeout: opts.HandoffTimeout,
		sessionCost:    opts.SessionCost,
		sessions:       make(map[string]*Session),
	}
}

// RequestResource 完整的请求流程：查余额 → 匹配 → 占用 → 下发
// 占用失败 (被并发请求抢走) 时不直接报错，而是排除该节点重新匹配
func (o *Orchestrator) RequestResource(ctx context.Context, req model.ResourceRequest, requesterAddr string) (*model.MatchResult, string, error) {
	// 先查余额，不够直接拒绝，省掉一次匹配
	balance, err := o.ledger.Balance(ctx, req.Requester)
	if err != nil {
		return nil, "", err
	}
	if balance < o.sessionCost {
		return nil, "", fmt.Errorf("%w: balance %d < session cost %d",
			ledger.ErrInsufficientBalance, balance, o.sessionCost)
	}

	tried := make(map[string]bool)
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		result, err := o.matcher.FindBestExcluding(ctx, req, tried)
		if errors.Is(err, matcher.ErrNoEligibleNode) {
			return nil, "", fmt.Errorf("%w: %s", ErrNoNodeAvailable, result.Reason)
		} else if err != nil {
			return nil, "", err
		}

		node := result.Node
		if err := o.claim(ctx, node.ID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// 另一个请求抢先占用，换下一个候选
				tried[node.ID] = true
				continue
			}
			return nil, "", err
		}

		session := o.newSession(req.Requester, node.ID)
		o.log.Info("node matched and claimed",
			zap.String("session_id", session.ID),
			zap.String("node_id", node.ID),
			zap.String("requester", req.Requester),
			zap.Float64("distance", result.Distance))

		if err := o.sendHandoff(ctx, session, requesterAddr); err != nil {
			o.failSession(session.ID, StateHandoffFailed)
			o.release(context.WithoutCancel(ctx), node.ID)
			return nil, "", fmt.Errorf("%w: %v", ErrHandoffFailed, err)
		}
		return result, session.ID, nil
	}

	return nil, "", fmt.Errorf("%w: claim contention", ErrNoNodeAvailable)
}

// Acknowledge Worker 确认收到指令
// 占用已被超时回收时这里是幂等空操作：迟到的确认不能复活会话
func (o *Orchestrator) Acknowledge(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	session, ok := o.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if session.State != StateHandoffSent {
		return nil
	}
	session.State = StateAcknowledged
	if session.timer != nil {
		session.timer.Stop()
	}
	o.log.Info("handoff acknowledged", zap.String("session_id", sessionID))
	return nil
}

// Activate Worker 报告已建立与请求方的直连
func (o *Orchestrator) Activate(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	session, ok := o.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if session.State != StateAcknowledged && session.State != StateHandoffSent {
		return nil
	}
	if session.timer != nil {
		session.timer.Stop()
	}
	session.State = StateSessionActive
	o.log.Info("session active", zap.String("session_id", sessionID))
	return nil
}

// Complete 会话结束：释放节点，按费率结算 (请求方 → 节点归属账户)
func (o *Orchestrator) Complete(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownSession
	}
	if session.State != StateSessionActive && session.State != StateAcknowledged {
		o.mu.Unlock()
		return nil
	}
	session.State = StateCompleted
	requester, nodeID := session.Requester, session.NodeID
	delete(o.sessions, sessionID)
	o.mu.Unlock()

	o.release(ctx, nodeID)

	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		o.log.Warn("settlement: node lookup failed", zap.String("node_id", nodeID), zap.Error(err))
		return nil
	}
	if node.Owner == "" {
		o.log.Warn("settlement skipped: node has no owner account", zap.String("node_id", nodeID))
		return nil
	}
	if err := o.ledger.Transfer(ctx, requester, node.Owner, o.sessionCost); err != nil {
		o.log.Error("settlement transfer failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return err
	}

	// 节点档案上的计数器只是收益统计，账本才是余额的事实来源
	o.bumpNodeEarnings(ctx, nodeID, o.sessionCost)
	return nil
}

// Session 查询会话状态快照
func (o *Orchestrator) Session(sessionID string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	session, ok := o.sessions[sessionID]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return Session{
		ID:        session.ID,
		Requester: session.Requester,
		NodeID:    session.NodeID,
		State:     session.State,
		CreatedAt: session.CreatedAt,
	}, nil
}

// ---------------------------------------------------------
// 内部实现
// ---------------------------------------------------------

func (o *Orchestrator) newSession(requester, nodeID string) *Session {
	session := &Session{
		ID:        uuid.NewString(),
		Requester: requester,
		NodeID:    nodeID,
		State:     StateMatched,
		CreatedAt: time.Now(),
	}
	o.mu.Lock()
	o.sessions[session.ID] = session
	o.mu.Unlock()
	return session
}

func (o *Orchestrator) sendHandoff(ctx context.Context, session *Session, requesterAddr string) error {
	// 状态和回收定时器必须先于发送就位：指令一落到 Worker 手里，
	// 确认随时可能到达，不能让它撞见还停在 Matched 的会话
	o.mu.Lock()
	session.State = StateHandoffSent
	// 占用回收：窗口内没等到确认就把节点放回 Idle，
	// 防止请求方放弃后节点永远卡在 Busy
	session.timer = time.AfterFunc(o.claimTimeout, func() {
		o.expireClaim(session.ID)
	})
	o.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, o.handoffTimeout)
	defer cancel()

	// 发送失败时调用方走 failSession，定时器在那里停掉
	return o.messenger.SendHandoff(sendCtx, session.NodeID, HandoffInstruction{
		SessionID:     session.ID,
		RequesterAddr: requesterAddr,
	})
}

// expireClaim 占用超时回收
func (o *Orchestrator) expireClaim(sessionID string) {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok || session.State != StateHandoffSent {
		o.mu.Unlock()
		return
	}
	session.State = StateHandoffFailed
	nodeID := session.NodeID
	delete(o.sessions, sessionID)
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.release(ctx, nodeID)
	o.log.Warn("claim expired, node released",
		zap.String("session_id", sessionID), zap.String("node_id", nodeID))
}

func (o *Orchestrator) failSession(sessionID string, state SessionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if session, ok := o.sessions[sessionID]; ok {
		session.State = state
		if session.timer != nil {
			session.timer.Stop()
		}
		delete(o.sessions, sessionID)
	}
}

// claim 比较交换 Idle → Busy，竞争失败返回 store.ErrConflict
func (o *Orchestrator) claim(ctx context.Context, nodeID string) error {
	node, err := o.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.Status != model.NodeIdle {
		return fmt.Errorf("%w: node %s is %s", store.ErrConflict, nodeID, node.Status)
	}
	node.Status = model.NodeBusy
	return o.store.UpdateNodeCAS(ctx, node)
}

// release 把 Busy 放回 Idle；节点已不是 Busy 时什么都不做
func (o *Orchestrator) release(ctx context.Context, nodeID string) {
	for {
		node, err := o.store.GetNode(ctx, nodeID)
		if err != nil {
			o.log.Warn("release: node lookup failed", zap.String("node_id", nodeID), zap.Error(err))
			return
		}
		if node.Status != model.NodeBusy {
			return
		}
		node.Status = model.NodeIdle
		err = o.store.UpdateNodeCAS(ctx, node)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			o.log.Warn("release: update failed", zap.String("node_id", nodeID), zap.Error(err))
		}
		return
	}
}

func (o *Orchestrator) bumpNodeEarnings(ctx context.Context, nodeID string, amount int64) {
	for {
		node, err := o.store.GetNode(ctx, nodeID)
		if err != nil {
			return
		}
		node.CreditBalance += amount
		err = o.store.UpdateNodeCAS(ctx, node)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return
	}
}
