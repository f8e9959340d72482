package matcher

import (
	"math"

	"hivemind/pkg/model"
)

// distance 计算节点相对请求的归一化富余距离
// 距离越小贴合度越高：选最贴合的节点而不是最强的，
// 避免小请求占走大卡 (紧凑装箱)
// 约定：某维度请求为 0 时该维度贡献 0，不参与距离
func distance(req model.ResourceRequest, node *model.NodeRecord) float64 {
	var sum float64
	if req.CPUScore > 0 {
		d := float64(node.CPUScore-req.CPUScore) / float64(req.CPUScore)
		sum += d * d
	}
	if req.GPUScore > 0 {
		d := float64(node.GPUScore-req.GPUScore) / float64(req.GPUScore)
		sum += d * d
	}
	return math.Sqrt(sum)
}

// selectBest 在候选集中选距离最小的节点，距离相同取 node_id 字典序小者，
// 保证选择结果确定可复现
func selectBest(req model.ResourceRequest, candidates []*model.NodeRecord) (*model.NodeRecord, float64) {
	var best *model.NodeRecord
	bestDist := math.Inf(1)

	for _, node := range candidates {
		d := distance(req, node)
		if d < bestDist || (d == bestDist && best != nil && node.ID < best.ID) {
			best = node
			bestDist = d
		}
	}
	return best, bestDist
}
