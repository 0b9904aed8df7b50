package runtime

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
)

const (
	// DefaultNamespace is the containerd namespace worker containers run in.
	DefaultNamespace = "bifrost"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime spawns and supervises worker processes as namespaced
// containerd containers: the pool's isolation boundary is the OS process
// the container wraps, not a heavier VM.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls the worker image once at pool startup; subsequent spawns
// reuse the cached snapshot.
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	return nil
}

// WorkerHandle is a running worker container: its stdin/stdout carry the
// newline-delimited JSON work/result frame protocol, and PID is the OS
// process id of the container's task, which the pool records for its
// heartbeats; liveness is checked through IsRunning on the container ID.
type WorkerHandle struct {
	ContainerID string
	PID         uint32
	Stdin       io.WriteCloser
	Stdout      io.ReadCloser

	task containerd.Task
}

// SpawnWorker creates and starts a container running image with env, with
// its stdin/stdout piped back to the caller instead of attached to the
// host terminal. workerID becomes the container ID.
func (r *ContainerdRuntime) SpawnWorker(ctx context.Context, workerID, image string, env []string) (*WorkerHandle, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	img, err := r.client.GetImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("failed to get image %s: %w", image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(img),
		oci.WithEnv(env),
	}

	container, err := r.client.NewContainer(
		ctx,
		workerID,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(workerID+"-snapshot", img),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker container: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(stdinR, stdoutW, nil)))
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to create worker task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("failed to start worker task: %w", err)
	}

	return &WorkerHandle{
		ContainerID: workerID,
		PID:         task.Pid(),
		Stdin:       stdinW,
		Stdout:      stdoutR,
		task:        task,
	}, nil
}

// Signal sends sig to the worker's task. Used for SIGTERM followed, after
// the grace period, by SIGKILL.
func (r *ContainerdRuntime) Signal(ctx context.Context, containerID string, sig syscall.Signal) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	return task.Kill(ctx, sig)
}

// Stop terminates a worker gracefully: SIGTERM, wait up to timeout, then
// SIGKILL if it hasn't exited.
func (r *ContainerdRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to SIGKILL: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Delete removes a worker's container and snapshot. Stop should be called
// first; Delete on an already-stopped container is idempotent.
func (r *ContainerdRuntime) Delete(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// IsRunning reports whether the worker's task is still alive.
func (r *ContainerdRuntime) IsRunning(ctx context.Context, containerID string) bool {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return false
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false
	}

	return status.Status == containerd.Running
}

// ListContainers returns every worker container ID in the bifrost namespace.
func (r *ContainerdRuntime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}

	return ids, nil
}
