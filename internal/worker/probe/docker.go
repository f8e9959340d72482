package probe

import (
	"context"
	"time"

	"hivemind/pkg/model"

	"github.com/docker/docker/client"
)

const pingTimeout = 3 * time.Second

// DockerStatus 探测本机 Docker 守护进程是否可用。
// 自动从环境变量或默认路径连接本地 Docker，连不上或 Ping 失败都视为不可用。
func DockerStatus(ctx context.Context) string {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return model.DockerDisabled
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return model.DockerDisabled
	}
	return model.DockerEnabled
}
