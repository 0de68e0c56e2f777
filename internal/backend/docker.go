package backend

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSandbox runs shell commands in ephemeral containers.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

// NewDockerSandbox connects to the daemon from the environment. The client is
// lazy; a missing daemon surfaces on the first Exec.
func NewDockerSandbox(image string, memoryMB int64, networkMode, workspace string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "alpine:3.20"
	}
	if memoryMB <= 0 {
		memoryMB = 256
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerSandbox{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
	}, nil
}

// Exec implements Executor. workDir is ignored; commands run in /workspace,
// which mounts the sandbox workspace when one is configured.
func (d *DockerSandbox) Exec(ctx context.Context, cmd, _ string, env []string) (string, string, int, error) {
	host := &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
	}
	if d.workspace != "" {
		host.Binds = []string{d.workspace + ":/workspace"}
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		Env:        env,
		WorkingDir: "/workspace",
	}, host, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	// Removed explicitly after the logs are read; AutoRemove races the log read.
	defer func() {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	exitCode := -1
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return "", "", -1, ctx.Err()
		}
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL")
		return "", "", -1, ctx.Err()
	}

	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", "", exitCode, fmt.Errorf("read container logs: %w", err)
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

func (d *DockerSandbox) Close() error {
	return d.client.Close()
}
