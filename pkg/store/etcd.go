package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hivemind/pkg/model"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key 前缀 (Schema Design)
const (
	nodeKeyPrefix = "/hivemind/nodes/"
	userKeyPrefix = "/hivemind/users/"
)

// 乐观事务的本地重试上限，超过即放弃并把冲突抛给上层
const etcdTxnRetries = 5

type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore 初始化 Etcd 连接
func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &EtcdStore{client: cli}, nil
}

// ---------------------------------------------------------
// 节点相关实现
// ---------------------------------------------------------

func (e *EtcdStore) PutNode(ctx context.Context, node *model.NodeRecord) error {
	return e.putValue(ctx, nodeKeyPrefix+node.ID, node)
}

func (e *EtcdStore) GetNode(ctx context.Context, id string) (*model.NodeRecord, error) {
	var node model.NodeRecord
	if err := e.getValue(ctx, nodeKeyPrefix+id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (e *EtcdStore) ListNodes(ctx context.Context) ([]*model.NodeRecord, error) {
	resp, err := e.client.Get(ctx, nodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	nodes := make([]*model.NodeRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.NodeRecord
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			// 损坏的记录跳过，不让单条坏数据拖垮整个列表
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// UpdateNodeCAS 用 ModRevision 做比较交换：
// 先读出当前值校验业务版本号，再以同一 revision 为条件提交
func (e *EtcdStore) UpdateNodeCAS(ctx context.Context, node *model.NodeRecord) error {
	key := nodeKeyPrefix + node.ID
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return ErrNotFound
	}

	var cur model.NodeRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &cur); err != nil {
		return fmt.Errorf("decode node %s: %v", node.ID, err)
	}
	if cur.Version != node.Version {
		return ErrConflict
	}

	next := *node
	next.Version++
	bytes, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	txn, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)).
		Then(clientv3.OpPut(key, string(bytes))).
		Commit()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !txn.Succeeded {
		return ErrConflict
	}
	node.Version = next.Version
	return nil
}

// ---------------------------------------------------------
// 账户相关实现
// ---------------------------------------------------------

func (e *EtcdStore) PutAccount(ctx context.Context, acct *model.UserAccount) error {
	return e.putValue(ctx, userKeyPrefix+acct.Username, acct)
}

func (e *EtcdStore) GetAccount(ctx context.Context, username string) (*model.UserAccount, error) {
	var acct model.UserAccount
	if err := e.getValue(ctx, userKeyPrefix+username, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (e *EtcdStore) ListAccounts(ctx context.Context) ([]*model.UserAccount, error) {
	resp, err := e.client.Get(ctx, userKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	accts := make([]*model.UserAccount, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var acct model.UserAccount
		if err := json.Unmarshal(kv.Value, &acct); err != nil {
			continue
		}
		accts = append(accts, &acct)
	}
	return accts, nil
}

func (e *EtcdStore) UpdateAccountCAS(ctx context.Context, acct *model.UserAccount) error {
	key := userKeyPrefix + acct.Username
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return ErrNotFound
	}

	var cur model.UserAccount
	if err := json.Unmarshal(resp.Kvs[0].Value, &cur); err != nil {
		return fmt.Errorf("decode account %s: %v", acct.Username, err)
	}
	if cur.Version != acct.Version {
		return ErrConflict
	}

	next := *acct
	next.Version++
	bytes, err := json.Marshal(&next)
	if err != nil {
		return err
	}

	txn, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)).
		Then(clientv3.OpPut(key, string(bytes))).
		Commit()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !txn.Succeeded {
		return ErrConflict
	}
	acct.Version = next.Version
	return nil
}

// TransferTx 双 key 乐观事务：同时锁定双方的 ModRevision，
// 任何一方被并发修改就整体重来，两条 Put 要么都发生要么都不发生
func (e *EtcdStore) TransferTx(ctx context.Context, sender, receiver string, amount int64,
	check func(sender, receiver *model.UserAccount) error) error {

	senderKey := userKeyPrefix + sender
	receiverKey := userKeyPrefix + receiver

	for i := 0; i < etcdTxnRetries; i++ {
		resp, err := e.client.Txn(ctx).
			Then(clientv3.OpGet(senderKey), clientv3.OpGet(receiverKey)).
			Commit()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		fromKvs := resp.Responses[0].GetResponseRange().Kvs
		toKvs := resp.Responses[1].GetResponseRange().Kvs
		if len(fromKvs) == 0 || len(toKvs) == 0 {
			return ErrNotFound
		}

		var from, to model.UserAccount
		if err := json.Unmarshal(fromKvs[0].Value, &from); err != nil {
			return fmt.Errorf("decode account %s: %v", sender, err)
		}
		if err := json.Unmarshal(toKvs[0].Value, &to); err != nil {
			return fmt.Errorf("decode account %s: %v", receiver, err)
		}

		if check != nil {
			if err := check(&from, &to); err != nil {
				return err
			}
		}

		from.Balance -= amount
		to.Balance += amount
		from.Version++
		to.Version++

		fromBytes, err := json.Marshal(&from)
		if err != nil {
			return err
		}
		toBytes, err := json.Marshal(&to)
		if err != nil {
			return err
		}

		txn, err := e.client.Txn(ctx).
			If(
				clientv3.Compare(clientv3.ModRevision(senderKey), "=", fromKvs[0].ModRevision),
				clientv3.Compare(clientv3.ModRevision(receiverKey), "=", toKvs[0].ModRevision),
			).
			Then(
				clientv3.OpPut(senderKey, string(fromBytes)),
				clientv3.OpPut(receiverKey, string(toBytes)),
			).
			Commit()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if txn.Succeeded {
			return nil
		}
		// 被并发转账抢先，重读重试
	}
	return ErrConflict
}

func (e *EtcdStore) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdStore) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	if _, err := e.client.Put(ctx, key, string(bytes)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (e *EtcdStore) getValue(ctx context.Context, key string, out interface{}) error {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(resp.Kvs[0].Value, out)
}
