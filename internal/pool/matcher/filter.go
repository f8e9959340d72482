package matcher

import (
	"strings"

	"hivemind/pkg/model"
)

// filterNodes 遍历候选节点，返回满足全部硬性条件的集合
func filterNodes(req model.ResourceRequest, nodes []*model.NodeRecord) []*model.NodeRecord {
	candidates := make([]*model.NodeRecord, 0, len(nodes))
	for _, node := range nodes {
		if checkNode(req, node) {
			candidates = append(candidates, node)
		}
	}
	return candidates
}

// checkNode 执行具体的 Predicate 检查逻辑
// 存活和 Idle 过滤由注册表的 List 完成，这里只看能力和标签
func checkNode(req model.ResourceRequest, node *model.NodeRecord) bool {
	if !node.Capability().Covers(req.Minimum()) {
		return false
	}

	// 地区过滤："Any" 不限
	if req.Location != "" && req.Location != model.AnyFilter && node.Location != req.Location {
		return false
	}

	// GPU 型号过滤：空或 "Any" 不限
	if req.GPUName != "" && !strings.EqualFold(req.GPUName, model.AnyFilter) && node.GPUName != req.GPUName {
		return false
	}

	return true
}
