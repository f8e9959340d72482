package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hivemind/internal/pool/liveness"
	"hivemind/pkg/model"
	"hivemind/pkg/store"

	"go.uber.org/zap"
)

// ErrNotRegistered 心跳的节点从未注册过
var ErrNotRegistered = errors.New("registry: node not registered")

// 超过该倍数的心跳年龄，后台 sweep 会把节点标成 Offline (仅为可观测性，不影响匹配)
const offlineFactor = 10

// Registry 节点注册表，所有节点读写都走注入的 Store
type Registry struct {
	store  store.Store
	policy liveness.Policy
	log    *zap.Logger

	// 可替换时钟，测试用
	now func() time.Time
}

func New(s store.Store, policy liveness.Policy, log *zap.Logger) *Registry {
	return &Registry{
		store:  s,
		policy: policy,
		log:    log,
		now:    time.Now,
	}
}

// WithClock 替换时间源，仅测试使用
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register 注册或更新节点 (upsert)
// 已存在时覆盖能力字段，保留余额和归属，状态重置为 Idle
func (r *Registry) Register(ctx context.Context, node *model.NodeRecord) (string, error) {
	existing, err := r.store.GetNode(ctx, node.ID)
	switch {
	case err == nil:
		node.CreditBalance = existing.CreditBalance
		if node.Owner == "" {
			node.Owner = existing.Owner
		}
		node.Version = existing.Version
	case errors.Is(err, store.ErrNotFound):
		node.CreditBalance = 0
	default:
		return "", err
	}

	node.Status = model.NodeIdle
	node.StatusNote = ""
	node.LastHeartbeat = r.now().Unix()

	if err := r.store.PutNode(ctx, node); err != nil {
		return "", err
	}

	r.log.Info("node registered",
		zap.String("node_id", node.ID),
		zap.String("gpu", node.GPUName),
		zap.String("docker", node.DockerStat),
		zap.String("location", node.Location))
	return fmt.Sprintf("node %s registered", node.ID), nil
}

// Heartbeat 更新节点状态和心跳时间
// statusMessage 里出现的余额数字只记日志，绝不回写——余额以账本为准，
// 否则并发转账会被心跳覆盖丢失
func (r *Registry) Heartbeat(ctx context.Context, nodeID, statusMessage string) error {
	for {
		node, err := r.store.GetNode(ctx, nodeID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotRegistered, nodeID)
		} else if err != nil {
			return err
		}

		status, note, advisoryBalance := parseStatus(statusMessage)
		if advisoryBalance >= 0 && advisoryBalance != node.CreditBalance {
			r.log.Debug("heartbeat balance differs from ledger, ignoring",
				zap.String("node_id", nodeID),
				zap.Int64("heartbeat_balance", advisoryBalance),
				zap.Int64("ledger_balance", node.CreditBalance))
		}

		// Busy 状态由编排器独占管理，心跳不能把占用中的节点改回 Idle
		if node.Status != model.NodeBusy || status == model.NodeBusy {
			node.Status = status
		}
		node.StatusNote = note
		node.LastHeartbeat = r.now().Unix()

		err = r.store.UpdateNodeCAS(ctx, node)
		if errors.Is(err, store.ErrConflict) {
			continue // 与编排器的占用竞争，重读重试
		}
		return err
	}
}

// List 返回通过存活过滤的节点快照，顺序不保证
func (r *Registry) List(ctx context.Context, aliveOnly, idleOnly bool) ([]*model.NodeRecord, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	out := make([]*model.NodeRecord, 0, len(nodes))
	for _, node := range nodes {
		if aliveOnly && !r.policy.Alive(node, now) {
			continue
		}
		if idleOnly && node.Status != model.NodeIdle {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

// Get 获取单个节点
func (r *Registry) Get(ctx context.Context, nodeID string) (*model.NodeRecord, error) {
	return r.store.GetNode(ctx, nodeID)
}

// SweepOffline 把长期无心跳的节点标为 Offline，返回处理数量
// 正确性不依赖这个清扫，它只是让监控面板不被死节点占满
func (r *Registry) SweepOffline(ctx context.Context) int {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		r.log.Warn("sweep: list nodes failed", zap.Error(err))
		return 0
	}

	deadline := int64(offlineFactor * r.policy.Timeout / time.Second)
	now := r.now().Unix()
	swept := 0
	for _, node := range nodes {
		if node.Status == model.NodeOffline || now-node.LastHeartbeat <= deadline {
			continue
		}
		node.Status = model.NodeOffline
		if err := r.store.UpdateNodeCAS(ctx, node); err != nil {
			continue // 竞争失败下轮再扫
		}
		swept++
		r.log.Info("node marked offline", zap.String("node_id", node.ID))
	}
	return swept
}

// Run 按周期执行离线清扫，interval<=0 时不启动
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.SweepOffline(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// parseStatus 解析心跳文本
// 识别 "Idle"/"Busy" 前缀；"balance=N" 片段作为参考余额提取，其余保留为备注
func parseStatus(msg string) (model.NodeStatus, string, int64) {
	status := model.NodeIdle
	advisory := int64(-1)
	var notes []string

	for _, field := range strings.Fields(msg) {
		switch {
		case strings.EqualFold(field, string(model.NodeIdle)):
			status = model.NodeIdle
		case strings.EqualFold(field, string(model.NodeBusy)):
			status = model.NodeBusy
		case strings.HasPrefix(field, "balance="):
			if v, err := strconv.ParseInt(strings.TrimPrefix(field, "balance="), 10, 64); err == nil {
				advisory = v
			}
		default:
			notes = append(notes, field)
		}
	}
	return status, strings.Join(notes, " "), advisory
}
