package store

import (
	"context"
	"errors"

	"hivemind/pkg/model"
)

// 存储层统一错误，调用方用 errors.Is 分支
var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("store: not found")
	// ErrConflict CAS 版本冲突，调用方需重读重试
	ErrConflict = errors.New("store: version conflict")
	// ErrUnavailable 后端存储不可达，属可重试的基础设施错误
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Store 接口定义了系统对存储层的所有需求
// 任何实现 (内存/Etcd/Redis) 都可以被注入到注册表和账本中
type Store interface {
	// --- 节点相关 ---

	// PutNode 无条件写入节点记录 (注册时使用)
	PutNode(ctx context.Context, node *model.NodeRecord) error

	// GetNode 获取单个节点，不存在返回 ErrNotFound
	GetNode(ctx context.Context, id string) (*model.NodeRecord, error)

	// ListNodes 获取所有节点快照 (匹配器 Filter 时调用)，顺序不保证
	ListNodes(ctx context.Context) ([]*model.NodeRecord, error)

	// UpdateNodeCAS 带版本校验的更新：仅当存储中版本等于 node.Version
	// 时写入并递增版本，否则返回 ErrConflict
	UpdateNodeCAS(ctx context.Context, node *model.NodeRecord) error

	// --- 账户相关 ---

	PutAccount(ctx context.Context, acct *model.UserAccount) error
	GetAccount(ctx context.Context, username string) (*model.UserAccount, error)
	ListAccounts(ctx context.Context) ([]*model.UserAccount, error)
	UpdateAccountCAS(ctx context.Context, acct *model.UserAccount) error

	// TransferTx 原子转账：借记 sender、贷记 receiver，
	// 任何中间状态都不可被其他调用观察到。
	// 余额不足返回 ErrConflict 之外的业务错误由上层账本判定，
	// 这里只保证两条记录的原子性；check 在持锁/事务内执行，
	// 返回非 nil 则放弃写入并原样透传该错误。
	TransferTx(ctx context.Context, sender, receiver string, amount int64,
		check func(sender, receiver *model.UserAccount) error) error

	// Close 释放底层连接
	Close() error
}
