package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hivemind/pkg/model"

	"github.com/redis/go-redis/v9"
)

// Key 命名沿用 node:<id> / user:<name> 约定
const (
	redisNodePrefix = "node:"
	redisUserPrefix = "user:"
)

const redisTxnRetries = 5

type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore 连接 Redis，启动时 ping 失败直接报不可用
func NewRedisStore(ctx context.Context, addr string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// ---------------------------------------------------------
// 节点相关实现
// ---------------------------------------------------------

func (r *RedisStore) PutNode(ctx context.Context, node *model.NodeRecord) error {
	return r.putValue(ctx, redisNodePrefix+node.ID, node)
}

func (r *RedisStore) GetNode(ctx context.Context, id string) (*model.NodeRecord, error) {
	var node model.NodeRecord
	if err := r.getValue(ctx, redisNodePrefix+id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (r *RedisStore) ListNodes(ctx context.Context) ([]*model.NodeRecord, error) {
	keys, err := r.scanKeys(ctx, redisNodePrefix+"*")
	if err != nil {
		return nil, err
	}
	nodes := make([]*model.NodeRecord, 0, len(keys))
	for _, key := range keys {
		var node model.NodeRecord
		if err := r.getValue(ctx, key, &node); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // 扫描和读取之间被删，忽略
			}
			return nil, err
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (r *RedisStore) UpdateNodeCAS(ctx context.Context, node *model.NodeRecord) error {
	key := redisNodePrefix + node.ID
	err := r.watchCAS(ctx, key, func(raw []byte) ([]byte, error) {
		var cur model.NodeRecord
		if err := json.Unmarshal(raw, &cur); err != nil {
			return nil, fmt.Errorf("decode node %s: %v", node.ID, err)
		}
		if cur.Version != node.Version {
			return nil, ErrConflict
		}
		next := *node
		next.Version++
		return json.Marshal(&next)
	})
	if err == nil {
		node.Version++
	}
	return err
}

// ---------------------------------------------------------
// 账户相关实现
// ---------------------------------------------------------

func (r *RedisStore) PutAccount(ctx context.Context, acct *model.UserAccount) error {
	return r.putValue(ctx, redisUserPrefix+acct.Username, acct)
}

func (r *RedisStore) GetAccount(ctx context.Context, username string) (*model.UserAccount, error) {
	var acct model.UserAccount
	if err := r.getValue(ctx, redisUserPrefix+username, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *RedisStore) ListAccounts(ctx context.Context) ([]*model.UserAccount, error) {
	keys, err := r.scanKeys(ctx, redisUserPrefix+"*")
	if err != nil {
		return nil, err
	}
	accts := make([]*model.UserAccount, 0, len(keys))
	for _, key := range keys {
		var acct model.UserAccount
		if err := r.getValue(ctx, key, &acct); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		accts = append(accts, &acct)
	}
	return accts, nil
}

func (r *RedisStore) UpdateAccountCAS(ctx context.Context, acct *model.UserAccount) error {
	key := redisUserPrefix + acct.Username
	err := r.watchCAS(ctx, key, func(raw []byte) ([]byte, error) {
		var cur model.UserAccount
		if err := json.Unmarshal(raw, &cur); err != nil {
			return nil, fmt.Errorf("decode account %s: %v", acct.Username, err)
		}
		if cur.Version != acct.Version {
			return nil, ErrConflict
		}
		next := *acct
		next.Version++
		return json.Marshal(&next)
	})
	if err == nil {
		acct.Version++
	}
	return err
}

// TransferTx WATCH 双方 key，期间任何一方被改写则 MULTI 失败并重试
func (r *RedisStore) TransferTx(ctx context.Context, sender, receiver string, amount int64,
	check func(sender, receiver *model.UserAccount) error) error {

	senderKey := redisUserPrefix + sender
	receiverKey := redisUserPrefix + receiver

	txn := func(tx *redis.Tx) error {
		fromRaw, err := tx.Get(ctx, senderKey).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		toRaw, err := tx.Get(ctx, receiverKey).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		var from, to model.UserAccount
		if err := json.Unmarshal(fromRaw, &from); err != nil {
			return fmt.Errorf("decode account %s: %v", sender, err)
		}
		if err := json.Unmarshal(toRaw, &to); err != nil {
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

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, senderKey, fromBytes, 0)
			pipe.Set(ctx, receiverKey, toBytes, 0)
			return nil
		})
		return err
	}

	for i := 0; i < redisTxnRetries; i++ {
		err := r.rdb.Watch(ctx, txn, senderKey, receiverKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // 并发修改，重试
		}
		return err
	}
	return ErrConflict
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

func (r *RedisStore) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, key, bytes, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStore) getValue(ctx context.Context, key string, out interface{}) error {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return json.Unmarshal(raw, out)
}

func (r *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return keys, nil
}

// watchCAS 单 key 的 WATCH/MULTI 更新，mutate 返回 ErrConflict 则不重试
func (r *RedisStore) watchCAS(ctx context.Context, key string, mutate func(raw []byte) ([]byte, error)) error {
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		next, err := mutate(raw)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < redisTxnRetries; i++ {
		err := r.rdb.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}
