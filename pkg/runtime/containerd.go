package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	v1 "github.com/containerd/cgroups/v3/cgroup1/stats"
	v2 "github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for managed bots.
	DefaultNamespace = "hutch"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	healthPollInterval = time.Second
)

// ContainerdDriver runs tenant bot containers on containerd. Containers
// get the host network namespace (bots only dial out, to Telegram and
// the databases) and per-container log files used for readiness checks.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string
	logDir    string
	logger    zerolog.Logger
}

// NewContainerdDriver connects to containerd and prepares the log
// directory.
func NewContainerdDriver(socketPath, namespace, logDir string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logDir == "" {
		logDir = "/var/log/hutch"
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log dir %s: %w", logDir, err)
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerdDriver{
		client:    client,
		namespace: namespace,
		logDir:    logDir,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection.
func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *ContainerdDriver) withNS(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

func (d *ContainerdDriver) logPath(name string) string {
	return filepath.Join(d.logDir, name+".log")
}

// EnsureImage makes the bot image available locally, pulling it when
// missing. A missing image after pull is an image_missing failure.
func (d *ContainerdDriver) EnsureImage(ctx context.Context, ref string) error {
	ctx = d.withNS(ctx)

	if _, err := d.client.GetImage(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	d.logger.Info().Str("image", ref).Msg("pulling bot image")
	if _, err := d.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return types.NewContainerStartError(types.ReasonImageMissing,
			fmt.Errorf("failed to pull image %s: %w", ref, err))
	}
	return nil
}

// CreateAndStart creates the container and starts its task. Stdout and
// stderr go to the per-container log file so WaitHealthy can scan them.
func (d *ContainerdDriver) CreateAndStart(ctx context.Context, spec *types.ContainerSpec) error {
	ctx = d.withNS(ctx)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.NewContainerStartError(types.ReasonImageMissing,
				fmt.Errorf("image %s not present: %w", spec.Image, err))
		}
		return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	labels := map[string]string{
		types.LabelManagedBy: types.ManagedByValue,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
	}

	container, err := d.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return types.NewContainerStartError(types.ReasonRuntimeError,
				fmt.Errorf("container %s already exists: %w", spec.Name, err))
		}
		return types.NewContainerStartError(types.ReasonRuntimeError,
			fmt.Errorf("failed to create container %s: %w", spec.Name, err))
	}

	if err := d.startTask(ctx, container); err != nil {
		return err
	}
	d.logger.Info().Str("container", spec.Name).Str("image", spec.Image).Msg("container started")
	return nil
}

func (d *ContainerdDriver) startTask(ctx context.Context, container containerd.Container) error {
	// Truncate any previous log so health scans see only this run.
	path := d.logPath(container.ID())
	if f, err := os.Create(path); err == nil {
		f.Close()
	}

	task, err := container.NewTask(ctx, cio.LogFile(path))
	if err != nil {
		return types.NewContainerStartError(types.ReasonRuntimeError,
			fmt.Errorf("failed to create task: %w", err))
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		return types.NewContainerStartError(types.ReasonRuntimeError,
			fmt.Errorf("failed to start task: %w", err))
	}
	return nil
}

// WaitHealthy blocks until the container proves healthy or the timeout
// elapses. Healthy means the task stays running and the log shows a
// readiness marker. A nil return is the success verdict; failures come
// back as container_start_failed errors carrying the reason.
func (d *ContainerdDriver) WaitHealthy(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = d.withNS(ctx)
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		status, exitCode, err := d.taskStatus(ctx, containerID)
		if err != nil {
			return types.NewContainerStartError(types.ReasonRuntimeError, err)
		}

		switch status {
		case containerd.Stopped:
			if markers := scanLogErrors(d.logPath(containerID)); len(markers) > 0 {
				return types.NewContainerStartError(types.ReasonUnhealthy,
					fmt.Errorf("container %s exited with code %d after errors: %v", containerID, exitCode, markers))
			}
			return types.NewContainerStartError(types.ReasonExitedImmediately,
				fmt.Errorf("container %s exited with code %d before becoming ready", containerID, exitCode))
		case containerd.Running:
			if logShowsReady(d.logPath(containerID)) {
				return nil
			}
			if markers := scanLogErrors(d.logPath(containerID)); len(markers) > 0 {
				return types.NewContainerStartError(types.ReasonUnhealthy,
					fmt.Errorf("container %s logged startup errors: %v", containerID, markers))
			}
		}

		if time.Now().After(deadline) {
			return types.NewContainerStartError(types.ReasonTimedOut,
				fmt.Errorf("container %s not ready after %s", containerID, timeout))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *ContainerdDriver) taskStatus(ctx context.Context, containerID string) (containerd.ProcessStatus, uint32, error) {
	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return containerd.Unknown, 0, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return containerd.Created, 0, nil
		}
		return containerd.Unknown, 0, fmt.Errorf("failed to get task for %s: %w", containerID, err)
	}
	status, err := task.Status(ctx)
	if err != nil {
		return containerd.Unknown, 0, fmt.Errorf("failed to get status of %s: %w", containerID, err)
	}
	return status.Status, status.ExitStatus, nil
}

// Running reports whether the container's task is currently running.
func (d *ContainerdDriver) Running(ctx context.Context, containerID string) (bool, error) {
	status, _, err := d.taskStatus(d.withNS(ctx), containerID)
	if err != nil {
		return false, err
	}
	return status == containerd.Running, nil
}

// Stop sends SIGTERM, waits up to grace, then SIGKILLs. The task is
// deleted but the container is kept so it can be restarted.
func (d *ContainerdDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	ctx = d.withNS(ctx)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means already stopped.
		return nil
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task %s: %w", containerID, err)
	}
	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task %s: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-time.After(grace):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task %s: %w", containerID, err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task %s: %w", containerID, err)
	}
	d.logger.Info().Str("container", containerID).Msg("container stopped")
	return nil
}

// Start starts the task of an existing stopped container.
func (d *ContainerdDriver) Start(ctx context.Context, containerID string) error {
	ctx = d.withNS(ctx)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	return d.startTask(ctx, container)
}

// Restart stops the container's task and starts a fresh one.
func (d *ContainerdDriver) Restart(ctx context.Context, containerID string, grace time.Duration) error {
	if err := d.Stop(ctx, containerID, grace); err != nil {
		return err
	}
	return d.Start(ctx, containerID)
}

// Remove stops the container if needed and deletes it with its snapshot
// and log file. Removing an absent container is not an error.
func (d *ContainerdDriver) Remove(ctx context.Context, containerID string) error {
	ctx = d.withNS(ctx)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	if err := d.Stop(ctx, containerID, 5*time.Second); err != nil {
		d.logger.Warn().Err(err).Str("container", containerID).Msg("stop before remove failed")
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", containerID, err)
	}
	_ = os.Remove(d.logPath(containerID))
	d.logger.Info().Str("container", containerID).Msg("container removed")
	return nil
}

// SetLabels merges labels onto an existing container, used when a warm
// pool member is rebound to a tenant.
func (d *ContainerdDriver) SetLabels(ctx context.Context, containerID string, labels map[string]string) error {
	ctx = d.withNS(ctx)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	if _, err := container.SetLabels(ctx, labels); err != nil {
		return fmt.Errorf("failed to set labels on %s: %w", containerID, err)
	}
	return nil
}

// Stats returns a resource snapshot for a running container.
func (d *ContainerdDriver) Stats(ctx context.Context, containerID string) (*types.ContainerStats, error) {
	ctx = d.withNS(ctx)

	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return &types.ContainerStats{
			Status:      "stopped",
			CollectedAt: time.Now().UTC().Format(time.RFC3339),
		}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", containerID, err)
	}
	out := &types.ContainerStats{
		Status:      string(status.Status),
		CollectedAt: time.Now().UTC().Format(time.RFC3339),
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return out, nil
	}
	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return out, nil
	}
	switch m := data.(type) {
	case *v1.Metrics:
		if m.Memory != nil && m.Memory.Usage != nil {
			out.MemoryBytes = m.Memory.Usage.Usage
		}
	case *v2.Metrics:
		if m.Memory != nil {
			out.MemoryBytes = m.Memory.Usage
		}
	}
	return out, nil
}

// Logs returns up to tail lines of the container's current log.
func (d *ContainerdDriver) Logs(_ context.Context, containerID string, tail int) ([]string, error) {
	return tailLines(d.logPath(containerID), tail)
}

// ListManaged returns the IDs of all containers carrying the managed-by
// label in the driver's namespace.
func (d *ContainerdDriver) ListManaged(ctx context.Context) ([]string, error) {
	ctx = d.withNS(ctx)

	filter := fmt.Sprintf(`labels.%q==%q`, types.LabelManagedBy, types.ManagedByValue)
	containers, err := d.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}
