package matcher

import (
	"context"
	"errors"

	"hivemind/pkg/model"
)

// ErrNoEligibleNode 没有任何存活节点满足请求条件
var ErrNoEligibleNode = errors.New("matcher: no eligible node")

// NodeLister 匹配器对注册表的唯一依赖
type NodeLister interface {
	List(ctx context.Context, aliveOnly, idleOnly bool) ([]*model.NodeRecord, error)
}

// Matcher 无状态的最优匹配器：只读快照，不修改任何节点
// 选中不等于占用，把节点标成 Busy 是编排器的事，
// 这样匹配本身无副作用、可以任意重试
type Matcher struct {
	registry NodeLister
}

func New(registry NodeLister) *Matcher {
	return &Matcher{registry: registry}
}

// FindBest 找出最贴合请求的存活空闲节点
func (m *Matcher) FindBest(ctx context.Context, req model.ResourceRequest) (*model.MatchResult, error) {
	nodes, err := m.registry.List(ctx, true, true)
	if err != nil {
		return nil, err
	}
	return m.pick(req, nodes)
}

// FindBestExcluding 同 FindBest，但跳过指定节点
// 占用竞争失败后用它对剩余集合重新匹配
func (m *Matcher) FindBestExcluding(ctx context.Context, req model.ResourceRequest, exclude map[string]bool) (*model.MatchResult, error) {
	nodes, err := m.registry.List(ctx, true, true)
	if err != nil {
		return nil, err
	}
	remaining := nodes[:0]
	for _, node := range nodes {
		if !exclude[node.ID] {
			remaining = append(remaining, node)
		}
	}
	return m.pick(req, remaining)
}

func (m *Matcher) pick(req model.ResourceRequest, nodes []*model.NodeRecord) (*model.MatchResult, error) {
	candidates := filterNodes(req, nodes)
	if len(candidates) == 0 {
		return &model.MatchResult{Reason: "no eligible node"}, ErrNoEligibleNode
	}

	best, dist := selectBest(req, candidates)
	cp := *best
	return &model.MatchResult{Node: &cp, Distance: dist}, nil
}
