package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	DefaultNetworkName = "relay-network"
	LabelProject       = "relay.project"
	LabelManagedBy     = "relay.managed-by"
	DefaultImage       = "node:20-slim"
	containerPrefix    = "relay-sbx-"
)

// Docker is a Provider backed by local Docker containers: one container
// per sandbox, the project workspace bind-mounted at /workspace.
type Docker struct {
	client      *client.Client
	baseDir     string
	networkName string
	defaultImg  string
	previewHost string
	mu          sync.RWMutex
	available   bool
}

// DockerOption configures the Docker provider.
type DockerOption func(*Docker)

// WithNetworkName sets a custom Docker network name.
func WithNetworkName(name string) DockerOption {
	return func(d *Docker) {
		d.networkName = name
	}
}

// WithDefaultImage sets the default container image.
func WithDefaultImage(img string) DockerOption {
	return func(d *Docker) {
		d.defaultImg = img
	}
}

// WithPreviewHost sets the hostname used in preview links.
func WithPreviewHost(host string) DockerOption {
	return func(d *Docker) {
		d.previewHost = host
	}
}

// NewDocker creates a Docker sandbox provider. If Docker is
// unreachable, the provider is returned with available=false and every
// operation fails cleanly.
func NewDocker(baseDir string, opts ...DockerOption) (*Docker, error) {
	d := &Docker{
		baseDir:     baseDir,
		networkName: DefaultNetworkName,
		defaultImg:  DefaultImage,
		previewHost: "localhost",
	}
	for _, opt := range opts {
		opt(d)
	}

	cli, err := createDockerClient()
	if err != nil {
		return d, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return d, nil
	}

	d.client = cli
	d.available = true

	if err := d.ensureNetwork(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	return d, nil
}

// createDockerClient creates a Docker client, trying multiple socket
// locations for compatibility with Docker Desktop on macOS.
func createDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := cli.Ping(ctx); err == nil {
			cancel()
			return cli, nil
		}
		cancel()
		cli.Close()
	}
	return nil, fmt.Errorf("docker not reachable")
}

// Available reports whether Docker is reachable.
func (d *Docker) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.available
}

func (d *Docker) ensureNetwork(ctx context.Context) error {
	networks, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.networkName)),
	})
	if err != nil {
		return err
	}
	if len(networks) > 0 {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, d.networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: "relay"},
	})
	return err
}

// Create provisions a sandbox container for a project.
func (d *Docker) Create(ctx context.Context, password, projectID string) (Sandbox, error) {
	if !d.Available() {
		return nil, fmt.Errorf("docker not available")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	workspacePath := filepath.Join(d.baseDir, "sandboxes", projectID)
	absPath, err := filepath.Abs(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}

	if err := d.ensureImage(ctx, d.defaultImg); err != nil {
		return nil, fmt.Errorf("pull image: %w", err)
	}

	containerName := containerPrefix + projectID
	containerCfg := &container.Config{
		Image:      d.defaultImg,
		WorkingDir: "/workspace",
		Env:        []string{"SANDBOX_PASSWORD=" + password},
		Labels: map[string]string{
			LabelProject:   projectID,
			LabelManagedBy: "relay",
		},
		Tty:       true,
		OpenStdin: true,
		Cmd:       []string{"tail", "-f", "/dev/null"},
		User:      "1000:1000",
	}
	hostCfg := &container.HostConfig{
		Binds: []string{absPath + ":/workspace"},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		NetworkMode: container.NetworkMode(d.networkName),
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	return &dockerSandbox{provider: d, id: resp.ID, token: password}, nil
}

// GetOrStart returns an existing sandbox, starting it if stopped.
func (d *Docker) GetOrStart(ctx context.Context, id string) (Sandbox, error) {
	if !d.Available() {
		return nil, fmt.Errorf("docker not available")
	}

	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sandbox %s not found: %w", id, err)
	}
	if !inspect.State.Running {
		if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("start sandbox %s: %w", id, err)
		}
	}
	return &dockerSandbox{provider: d, id: id}, nil
}

// Delete stops and removes a sandbox container.
func (d *Docker) Delete(ctx context.Context, id string) error {
	if !d.Available() {
		return fmt.Errorf("docker not available")
	}
	timeout := 5
	_ = d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	return d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// Close releases the Docker client.
func (d *Docker) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

func (d *Docker) ensureImage(ctx context.Context, imageName string) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageName)),
	})
	if err != nil {
		return err
	}
	if len(images) > 0 {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// dockerSandbox implements Sandbox on one container.
type dockerSandbox struct {
	provider *Docker
	id       string
	token    string
}

// ID returns the container id.
func (s *dockerSandbox) ID() string { return s.id }

// PreviewLink returns the external URL for a sandbox port.
func (s *dockerSandbox) PreviewLink(port int) PreviewLink {
	return PreviewLink{
		URL:   fmt.Sprintf("http://%s:%d", s.provider.previewHost, port),
		Token: s.token,
	}
}

// ListFiles lists a directory inside the sandbox.
func (s *dockerSandbox) ListFiles(ctx context.Context, path string) ([]string, error) {
	stdout, exitCode, err := s.Exec(ctx, fmt.Sprintf("ls -1A %q", path))
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("list %s: exit code %d", path, exitCode)
	}
	var files []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// UploadFile writes a file inside the sandbox via a shell heredoc-free
// exec: the content is streamed through stdin of `cat`.
func (s *dockerSandbox) UploadFile(ctx context.Context, path string, content []byte) error {
	execCfg := container.ExecOptions{
		Cmd:          []string{"sh", "-c", fmt.Sprintf("mkdir -p %q && cat > %q", filepath.Dir(path), path)},
		WorkingDir:   "/workspace",
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := s.provider.client.ContainerExecCreate(ctx, s.id, execCfg)
	if err != nil {
		return fmt.Errorf("create exec: %w", err)
	}
	attach, err := s.provider.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write(content); err != nil {
		return fmt.Errorf("write content: %w", err)
	}
	attach.CloseWrite()

	var stdout, stderr strings.Builder
	stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	return nil
}

// Exec runs a shell command inside the sandbox.
func (s *dockerSandbox) Exec(ctx context.Context, command string) (string, int, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   "/workspace",
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := s.provider.client.ContainerExecCreate(ctx, s.id, execCfg)
	if err != nil {
		return "", 0, fmt.Errorf("create exec: %w", err)
	}
	attach, err := s.provider.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", 0, fmt.Errorf("read output: %w", err)
	}

	inspect, err := s.provider.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("inspect exec: %w", err)
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += stderr.String()
	}
	return output, inspect.ExitCode, nil
}
