package model

// 通配过滤值
const AnyFilter = "Any"

// ResourceRequest 一次资源请求的能力下限，瞬态对象不落库
type ResourceRequest struct {
	CPUScore int    `json:"cpu_score"`
	GPUScore int    `json:"gpu_score"`
	MemoryGB int    `json:"memory_gb"`
	GPUMemGB int    `json:"gpu_memory_gb"`
	Location string `json:"location"` // "Any" = 不限
	GPUName  string `json:"gpu_name"` // "" 或 "Any" = 不限

	Requester string `json:"-"` // 由 token 校验后填入
}

// Minimum 请求的能力向量
func (r ResourceRequest) Minimum() Capability {
	return Capability{
		CPUScore: r.CPUScore,
		GPUScore: r.GPUScore,
		MemoryGB: r.MemoryGB,
		GPUMemGB: r.GPUMemGB,
	}
}

// MatchResult 匹配结果：选中节点的只读快照，或带原因的失败
type MatchResult struct {
	Node     *NodeRecord `json:"node,omitempty"`
	Distance float64     `json:"distance"`
	Reason   string      `json:"reason,omitempty"` // 无节点可用时的说明
}
