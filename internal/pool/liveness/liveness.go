package liveness

import (
	"time"

	"hivemind/pkg/model"
)

// DefaultTimeout 默认存活判定阈值
const DefaultTimeout = 30 * time.Second

// Policy 纯函数式的存活判定：心跳年龄超过 Timeout 即视为 stale
// 节点记录本身不删除，过期只是读取时被过滤
type Policy struct {
	Timeout time.Duration
}

func NewPolicy(timeout time.Duration) Policy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Policy{Timeout: timeout}
}

// Alive 判断节点在 now 时刻是否存活
func (p Policy) Alive(rec *model.NodeRecord, now time.Time) bool {
	age := now.Unix() - rec.LastHeartbeat
	return age <= int64(p.Timeout/time.Second)
}
