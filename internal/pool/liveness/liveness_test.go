package liveness_test

import (
	"testing"
	"time"

	"hivemind/internal/pool/liveness"
	"hivemind/pkg/model"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_AliveBoundary(t *testing.T) {
	p := liveness.NewPolicy(30 * time.Second)
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name  string
		age   int64 // seconds since last heartbeat
		alive bool
	}{
		{"fresh", 0, true},
		{"within window", 29, true},
		{"exactly at timeout", 30, true},
		{"one past timeout", 31, false},
		{"long dead", 3600, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &model.NodeRecord{ID: "n1", LastHeartbeat: now.Unix() - tc.age}
			assert.Equal(t, tc.alive, p.Alive(rec, now))
		})
	}
}

func TestNewPolicy_DefaultTimeout(t *testing.T) {
	assert.Equal(t, liveness.DefaultTimeout, liveness.NewPolicy(0).Timeout)
	assert.Equal(t, liveness.DefaultTimeout, liveness.NewPolicy(-time.Second).Timeout)
	assert.Equal(t, 5*time.Second, liveness.NewPolicy(5*time.Second).Timeout)
}
