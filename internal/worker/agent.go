package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"hivemind/internal/worker/probe"
	"hivemind/pkg/config"
	"hivemind/pkg/model"

	"go.uber.org/zap"
)

// Agent 工作节点代理
// 启动后注册自己，按周期心跳，并维持与节点池的指令通道；
// 收到定向连接指令时主动回连请求方
type Agent struct {
	cfg    *config.Config
	log    *zap.Logger
	client *http.Client

	nodeID string

	statusMu sync.Mutex
	status   string // 当前心跳上报的状态文本

	wsMu sync.Mutex // 指令通道写串行化
}

func NewAgent(cfg *config.Config, log *zap.Logger) *Agent {
	nodeID := cfg.Worker.NodeID
	if nodeID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker-node-01"
		}
		nodeID = hostname
	}
	return &Agent{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: 10 * time.Second},
		nodeID: nodeID,
		status: string(model.NodeIdle),
	}
}

func (a *Agent) NodeID() string { return a.nodeID }

func (a *Agent) setStatus(status string) {
	a.statusMu.Lock()
	a.status = status
	a.statusMu.Unlock()
}

func (a *Agent) currentStatus() string {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.status
}

// Run 注册后同时启动心跳和指令通道，任一退出即整体退出
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("initial registration failed: %w", err)
	}

	go a.heartbeatLoop(ctx)
	a.channelLoop(ctx)
	return nil
}

// register 上报能力信息，docker 可用性由探针现场检测
func (a *Agent) register(ctx context.Context) error {
	dockerStat := probe.DockerStatus(ctx)

	body := map[string]interface{}{
		"node_id":       a.nodeID,
		"hostname":      a.nodeID,
		"ip":            a.cfg.Worker.AdvertiseIP,
		"port":          a.cfg.Worker.Port,
		"cpu_cores":     a.cfg.Worker.CPUCores,
		"memory_gb":     a.cfg.Worker.MemoryGB,
		"cpu_score":     a.cfg.Worker.CPUScore,
		"gpu_score":     a.cfg.Worker.GPUScore,
		"gpu_memory_gb": a.cfg.Worker.GPUMemGB,
		"location":      a.cfg.Worker.Location,
		"gpu_name":      a.cfg.Worker.GPUName,
		"docker_status": dockerStat,
		"owner":         a.cfg.Worker.Owner,
	}
	if err := a.post(ctx, "/v1/nodes/register", body); err != nil {
		return err
	}
	a.log.Info("registered with pool",
		zap.String("node_id", a.nodeID),
		zap.String("docker", dockerStat))
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.cfg.Worker.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := a.post(ctx, "/v1/nodes/heartbeat", map[string]string{
				"node_id": a.nodeID,
				"status":  a.currentStatus(),
			})
			if err != nil {
				a.log.Warn("heartbeat failed", zap.Error(err))
				// 节点池可能重启丢了注册状态 (内存后端)，重新注册一次
				var poolErr *apiError
				if errors.As(err, &poolErr) && poolErr.Kind == "not_registered" {
					if rerr := a.register(ctx); rerr != nil {
						a.log.Warn("re-registration failed", zap.Error(rerr))
					}
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// apiError 节点池返回的结构化失败，kind 供调用方分支
type apiError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("pool returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

// post 发送 JSON 请求，非 2xx 时返回带 kind 的 apiError
func (a *Agent) post(ctx context.Context, path string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Worker.PoolURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiResp struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiResp)
		return &apiError{StatusCode: resp.StatusCode, Kind: apiResp.Kind, Message: apiResp.Message}
	}
	return nil
}

// wsURL 把 pool_url 转成指令通道地址
func (a *Agent) wsURL() (string, error) {
	u, err := url.Parse(a.cfg.Worker.PoolURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/nodes/ws"
	u.RawQuery = "node_id=" + url.QueryEscape(a.nodeID)
	return u.String(), nil
}
