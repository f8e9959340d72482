package store

import (
	"context"
	"sync"

	"hivemind/pkg/model"
)

// MemoryStore 进程内存储，适合单机部署和测试
// 节点和账户各用一把锁；读写都做拷贝，调用方拿到的永远是快照
type MemoryStore struct {
	nodeMu sync.RWMutex
	nodes  map[string]*model.NodeRecord

	acctMu sync.RWMutex
	accts  map[string]*model.UserAccount
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*model.NodeRecord),
		accts: make(map[string]*model.UserAccount),
	}
}

// ---------------------------------------------------------
// 节点相关实现
// ---------------------------------------------------------

func (m *MemoryStore) PutNode(_ context.Context, node *model.NodeRecord) error {
	m.nodeMu.Lock()
	defer m.nodeMu.Unlock()
	cp := *node
	m.nodes[node.ID] = &cp
	return nil
}

func (m *MemoryStore) GetNode(_ context.Context, id string) (*model.NodeRecord, error) {
	m.nodeMu.RLock()
	defer m.nodeMu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *node
	return &cp, nil
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]*model.NodeRecord, error) {
	m.nodeMu.RLock()
	defer m.nodeMu.RUnlock()
	out := make([]*model.NodeRecord, 0, len(m.nodes))
	for _, node := range m.nodes {
		cp := *node
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) UpdateNodeCAS(_ context.Context, node *model.NodeRecord) error {
	m.nodeMu.Lock()
	defer m.nodeMu.Unlock()
	cur, ok := m.nodes[node.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != node.Version {
		return ErrConflict
	}
	cp := *node
	cp.Version++
	m.nodes[node.ID] = &cp
	node.Version = cp.Version
	return nil
}

// ---------------------------------------------------------
// 账户相关实现
// ---------------------------------------------------------

func (m *MemoryStore) PutAccount(_ context.Context, acct *model.UserAccount) error {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	cp := *acct
	m.accts[acct.Username] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, username string) (*model.UserAccount, error) {
	m.acctMu.RLock()
	defer m.acctMu.RUnlock()
	acct, ok := m.accts[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(_ context.Context) ([]*model.UserAccount, error) {
	m.acctMu.RLock()
	defer m.acctMu.RUnlock()
	out := make([]*model.UserAccount, 0, len(m.accts))
	for _, acct := range m.accts {
		cp := *acct
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) UpdateAccountCAS(_ context.Context, acct *model.UserAccount) error {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	cur, ok := m.accts[acct.Username]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != acct.Version {
		return ErrConflict
	}
	cp := *acct
	cp.Version++
	m.accts[acct.Username] = &cp
	acct.Version = cp.Version
	return nil
}

// TransferTx 双方记录在同一把锁内修改，外部永远看不到中间状态
func (m *MemoryStore) TransferTx(_ context.Context, sender, receiver string, amount int64,
	check func(sender, receiver *model.UserAccount) error) error {

	m.acctMu.Lock()
	defer m.acctMu.Unlock()

	from, ok := m.accts[sender]
	if !ok {
		return ErrNotFound
	}
	to, ok := m.accts[receiver]
	if !ok {
		return ErrNotFound
	}

	if check != nil {
		fromCp, toCp := *from, *to
		if err := check(&fromCp, &toCp); err != nil {
			return err
		}
	}

	from.Balance -= amount
	to.Balance += amount
	from.Version++
	to.Version++
	return nil
}

func (m *MemoryStore) Close() error { return nil }
