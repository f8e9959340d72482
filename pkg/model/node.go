package model

// NodeStatus 节点状态
type NodeStatus string

const (
	NodeIdle    NodeStatus = "Idle"
	NodeBusy    NodeStatus = "Busy"
	NodeOffline NodeStatus = "Offline" // 长期心跳超时，由后台 sweep 标记
)

// Worker 上报的容器运行时可用性，仅作诊断和分组参考
const (
	DockerEnabled  = "enabled"
	DockerDisabled = "disabled"
	DockerUnknown  = "unknown"
)

// NodeRecord 工作节点档案
// node_id 由节点首次注册时自行指定；注册是 upsert 语义：
// 重新注册覆盖能力字段，但保留 CreditBalance 和 Owner
type NodeRecord struct {
	ID       string `json:"node_id"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`

	// 能力指标 (分数越高越强)
	CPUCores   int    `json:"cpu_cores"`
	MemoryGB   int    `json:"memory_gb"`
	CPUScore   int    `json:"cpu_score"`
	GPUScore   int    `json:"gpu_score"`
	GPUMemGB   int    `json:"gpu_memory_gb"`
	Location   string `json:"location"`
	GPUName    string `json:"gpu_name"` // 空字符串 = 无 GPU
	DockerStat string `json:"docker_status"`

	// 可变状态
	Status        NodeStatus `json:"status"`
	StatusNote    string     `json:"status_note,omitempty"` // 心跳携带的自由文本
	LastHeartbeat int64      `json:"last_heartbeat"`        // Unix 秒

	// 账务关联：会话结算时打款给 Owner，余额以账本为准
	Owner         string `json:"owner,omitempty"`
	CreditBalance int64  `json:"credit_balance"`

	// 乐观锁版本号，Store.UpdateNodeCAS 递增
	Version int64 `json:"version"`
}

// Capability 返回节点的能力快照，供匹配器做只读计算
func (n *NodeRecord) Capability() Capability {
	return Capability{
		CPUScore: n.CPUScore,
		GPUScore: n.GPUScore,
		MemoryGB: n.MemoryGB,
		GPUMemGB: n.GPUMemGB,
	}
}

// Capability 能力向量
type Capability struct {
	CPUScore int `json:"cpu_score"`
	GPUScore int `json:"gpu_score"`
	MemoryGB int `json:"memory_gb"`
	GPUMemGB int `json:"gpu_memory_gb"`
}

// Covers 判断能力是否满足请求的全部下限
func (c Capability) Covers(req Capability) bool {
	return c.CPUScore >= req.CPUScore &&
		c.GPUScore >= req.GPUScore &&
		c.MemoryGB >= req.MemoryGB &&
		c.GPUMemGB >= req.GPUMemGB
}
