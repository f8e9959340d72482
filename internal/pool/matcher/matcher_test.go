package matcher_test

import (
	"context"
	"math"
	"testing"

	"hivemind/internal/pool/matcher"
	"hivemind/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticLister feeds the matcher a fixed candidate set
type staticLister struct {
	nodes []*model.NodeRecord
}

func (l *staticLister) List(_ context.Context, _, _ bool) ([]*model.NodeRecord, error) {
	out := make([]*model.NodeRecord, len(l.nodes))
	copy(out, l.nodes)
	return out, nil
}

func node(id string, cpu, gpu, mem, gpuMem int, location, gpuName string) *model.NodeRecord {
	return &model.NodeRecord{
		ID: id, CPUScore: cpu, GPUScore: gpu, MemoryGB: mem, GPUMemGB: gpuMem,
		Location: location, GPUName: gpuName, Status: model.NodeIdle,
	}
}

func TestMatcher_PicksClosestFit(t *testing.T) {
	// The small node fits the request more tightly than the monster node
	m := matcher.New(&staticLister{nodes: []*model.NodeRecord{
		node("monster", 20000, 16000, 128, 48, "TW", "H100"),
		node("snug", 4500, 3500, 16, 8, "TW", "RTX4090"),
	}})

	result, err := m.FindBest(context.Background(), model.ResourceRequest{
		CPUScore: 4000, GPUScore: 3000, MemoryGB: 8, GPUMemGB: 4,
		Location: model.AnyFilter, GPUName: model.AnyFilter,
	})
	require.NoError(t, err)
	assert.Equal(t, "snug", result.Node.ID)

	// distance = sqrt((500/4000)^2 + (500/3000)^2)
	want := math.Sqrt(math.Pow(500.0/4000.0, 2) + math.Pow(500.0/3000.0, 2))
	assert.InDelta(t, want, result.Distance, 1e-9)
}

func TestMatcher_SingleNodeScenario(t *testing.T) {
	// One registered node; a request under its capability matches it
	m := matcher.New(&staticLister{nodes: []*model.NodeRecord{
		node("n1", 5000, 4000, 16, 8, "TW", "RTX4090"),
	}})

	result, err := m.FindBest(context.Background(), model.ResourceRequest{
		CPUScore: 4000, GPUScore: 3000, MemoryGB: 8, GPUMemGB: 4,
		Location: model.AnyFilter, GPUName: model.AnyFilter,
	})
	require.NoError(t, err)
	assert.Equal(t, "n1", result.Node.ID)
}

func TestMatcher_TieBreakByNodeID(t *testing.T) {
	// Identical capability: the lexically smaller node_id must win,
	// regardless of listing order
	a := node("node-a", 4000, 3000, 16, 8, "TW", "RTX4090")
	b := node("node-b", 4000, 3000, 16, 8, "TW", "RTX4090")

	for _, order := range [][]*model.NodeRecord{{a, b}, {b, a}} {
		m := matcher.New(&staticLister{nodes: order})
		result, err := m.FindBest(context.Background(), model.ResourceRequest{
			CPUScore: 4000, GPUScore: 3000, MemoryGB: 8, GPUMemGB: 4,
		})
		require.NoError(t, err)
		assert.Equal(t, "node-a", result.Node.ID)
	}
}

func TestMatcher_CapabilityMinimums(t *testing.T) {
	m := matcher.New(&staticLister{nodes: []*model.NodeRecord{
		node("n1", 5000, 4000, 16, 8, "TW", "RTX4090"),
	}})

	cases := []struct {
		name string
		req  model.ResourceRequest
		ok   bool
	}{
		{"all satisfied", model.ResourceRequest{CPUScore: 5000, GPUScore: 4000, MemoryGB: 16, GPUMemGB: 8}, true},
		{"cpu too high", model.ResourceRequest{CPUScore: 5001}, false},
		{"gpu too high", model.ResourceRequest{GPUScore: 4001}, false},
		{"memory too high", model.ResourceRequest{MemoryGB: 17}, false},
		{"gpu memory too high", model.ResourceRequest{GPUMemGB: 9}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.FindBest(context.Background(), tc.req)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, matcher.ErrNoEligibleNode)
			}
		})
	}
}

func TestMatcher_LocationAndGPUFilters(t *testing.T) {
	m := matcher.New(&staticLister{nodes: []*model.NodeRecord{
		node("tw-4090", 5000, 4000, 16, 8, "TW", "RTX4090"),
		node("us-3080", 5000, 4000, 16, 8, "US", "RTX3080"),
	}})
	ctx := context.Background()

	result, err := m.FindBest(ctx, model.ResourceRequest{Location: "US", GPUName: model.AnyFilter})
	require.NoError(t, err)
	assert.Equal(t, "us-3080", result.Node.ID)

	result, err = m.FindBest(ctx, model.ResourceRequest{Location: model.AnyFilter, GPUName: "RTX4090"})
	require.NoError(t, err)
	assert.Equal(t, "tw-4090", result.Node.ID)

	// GPU name comparison is exact, filter wildcard is case-insensitive
	result, err = m.FindBest(ctx, model.ResourceRequest{GPUName: "any"})
	require.NoError(t, err)
	assert.NotNil(t, result.Node)

	_, err = m.FindBest(ctx, model.ResourceRequest{Location: "JP"})
	assert.ErrorIs(t, err, matcher.ErrNoEligibleNode)
}

func TestMatcher_ZeroRequestDimensionIgnored(t *testing.T) {
	// A CPU-only node is eligible for a request that asks for no GPU,
	// and the GPU dimension contributes nothing to the distance
	m := matcher.New(&staticLister{nodes: []*model.NodeRecord{
		node("cpu-only", 4000, 0, 16, 0, "TW", ""),
	}})

	result, err := m.FindBest(context.Background(), model.ResourceRequest{
		CPUScore: 4000, MemoryGB: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, "cpu-only", result.Node.ID)
	assert.Equal(t, 0.0, result.Distance)
}

func TestMatcher_EmptyPool(t *testing.T) {
	m := matcher.New(&staticLister{})
	result, err := m.FindBest(context.Background(), model.ResourceRequest{CPUScore: 1})
	assert.ErrorIs(t, err, matcher.ErrNoEligibleNode)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Reason)
}

func TestMatcher_FindBestExcluding(t *testing.T) {
	m := matcher.New(&staticLister{nodes: []*model.NodeRecord{
		node("node-a", 4000, 3000, 16, 8, "TW", "RTX4090"),
		node("node-b", 4000, 3000, 16, 8, "TW", "RTX4090"),
	}})
	ctx := context.Background()
	req := model.ResourceRequest{CPUScore: 4000, GPUScore: 3000}

	result, err := m.FindBestExcluding(ctx, req, map[string]bool{"node-a": true})
	require.NoError(t, err)
	assert.Equal(t, "node-b", result.Node.ID)

	_, err = m.FindBestExcluding(ctx, req, map[string]bool{"node-a": true, "node-b": true})
	assert.ErrorIs(t, err, matcher.ErrNoEligibleNode)
}
