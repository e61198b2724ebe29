package docker

import (
	"fmt"
	"strings"

	"github.com/docker/docker/client"
)

// NewClient 连接节点上的 Docker 引擎。
// host 为空时读取 DOCKER_HOST 等环境变量；API 版本自动协商。
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host == "" {
		opts = append(opts, client.FromEnv)
	} else {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		if host == "" {
			host = "env"
		}
		return nil, fmt.Errorf("failed to create docker client (%s): %w", host, err)
	}
	return cli, nil
}

func truncateID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
