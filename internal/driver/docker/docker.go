// Package docker implements driver.Driver against the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/nat"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/boxed/internal/driver"
)

// DriverName is the identifier this driver registers under.
const DriverName = "docker"

// Driver implements driver.Driver using a single shared Docker Engine
// client. The client is a process-wide singleton: one connection reused
// across every call, constructed lazily and closed once at shutdown.
type Driver struct {
	cli *client.Client
}

// New builds a Docker-backed driver.Driver. cfg is currently unused but
// kept for symmetry with the Factory signature and future driver options.
func New(_ map[string]any) (driver.Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Driver{cli: cli}, nil
}

func init() {
	driver.Register(DriverName, New)
}

func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Driver) Close() error {
	return d.cli.Close()
}

// Run creates and starts a container per spec. Resource limits, capability
// grants and the SSH port binding follow the container configuration this
// system always applies: cpu_period=100000 with a scaled cpu_quota, the
// SYS_ADMIN capability plus /dev/fuse for the in-container filesystem, a
// dynamic host port for 22/tcp, restart_policy=no, and a host.docker.internal
// alias so the container can call back into the orchestrator.
func (d *Driver) Run(ctx context.Context, spec driver.RunSpec) (driver.Handle, error) {
	if err := spec.Validate(); err != nil {
		return driver.Handle{}, err
	}

	const cpuPeriod = int64(100000)
	cpuQuota := int64(spec.CPULimitCores * float64(cpuPeriod))

	resources := container.Resources{
		CPUPeriod: cpuPeriod,
		CPUQuota:  cpuQuota,
		Devices:   deviceMappings(spec.Devices),
	}
	if mem, err := parseMemoryLimit(spec.MemoryLimit); err == nil {
		resources.Memory = mem
	}

	hostConfig := &container.HostConfig{
		Resources:     resources,
		CapAdd:        spec.Capabilities,
		RestartPolicy: container.RestartPolicy{Name: spec.RestartPolicy},
		ExtraHosts:    append([]string{"host.docker.internal:host-gateway"}, spec.ExtraHosts...),
		Mounts: []mount.Mount{
			{Type: mount.TypeTmpfs, Target: "/tmp"},
		},
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}

	portBindings := nat.PortMap{}
	exposedPorts := nat.PortSet{}
	for containerPort, hostPort := range spec.PortBindings {
		port := nat.Port(containerPort)
		exposedPorts[port] = struct{}{}
		binding := nat.PortBinding{}
		if hostPort > 0 {
			binding.HostPort = strconv.Itoa(hostPort)
		}
		portBindings[port] = []nat.PortBinding{binding}
	}
	hostConfig.PortBindings = portBindings

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	if _, _, err := d.cli.ImageInspectWithRaw(ctx, spec.Image); client.IsErrNotFound(err) {
		log.Info().Str("image", spec.Image).Msg("image not found locally, pulling")
		reader, pullErr := d.cli.ImagePull(ctx, spec.Image, types.ImagePullOptions{})
		if pullErr != nil {
			return driver.Handle{}, fmt.Errorf("pull image %s: %w", spec.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	} else if err != nil {
		return driver.Handle{}, fmt.Errorf("inspect image %s: %w", spec.Image, err)
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposedPorts,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostConfig, nil, nil, "")
	if err != nil {
		return driver.Handle{}, fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return driver.Handle{}, fmt.Errorf("start container: %w", err)
	}

	return driver.Handle{ID: resp.ID}, nil
}

func (d *Driver) Inspect(ctx context.Context, id string) (driver.Inspection, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return driver.Inspection{Status: driver.StatusNotFound}, nil
		}
		return driver.Inspection{}, fmt.Errorf("inspect container %s: %w", id, err)
	}

	status := driver.StatusExited
	switch {
	case info.State.Running:
		status = driver.StatusRunning
	case info.State.Restarting:
		status = driver.StatusRestarting
	case info.State.Dead:
		status = driver.StatusDead
	}

	ports := map[string]int{}
	for containerPort, bindings := range info.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		if hostPort, err := strconv.Atoi(bindings[0].HostPort); err == nil {
			ports[string(containerPort)] = hostPort
		}
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, info.State.StartedAt)

	return driver.Inspection{
		Status:        status,
		AssignedPorts: ports,
		StartedAt:     startedAt,
	}, nil
}

func (d *Driver) Exec(ctx context.Context, id string, argv []string, user string, demux bool) (driver.ExecResult, error) {
	execConfig := types.ExecConfig{
		Cmd:          argv,
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := d.cli.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		if client.IsErrNotFound(err) {
			return driver.ExecResult{}, driver.ErrContainerNotFound
		}
		return driver.ExecResult{}, fmt.Errorf("create exec: %w", err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return driver.ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if demux {
		if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil && err != io.EOF {
			return driver.ExecResult{}, fmt.Errorf("demux exec output: %w", err)
		}
	} else {
		if _, err := stdcopy.StdCopy(&stdout, &stdout, attached.Reader); err != nil && err != io.EOF {
			return driver.ExecResult{}, fmt.Errorf("read exec output: %w", err)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return driver.ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}

	return driver.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

func (d *Driver) Stop(ctx context.Context, id string, graceSeconds int) error {
	timeout := graceSeconds
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (d *Driver) Kill(ctx context.Context, id string) error {
	if err := d.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("kill container %s: %w", id, err)
	}
	return nil
}

func (d *Driver) Remove(ctx context.Context, id string, force bool) error {
	opts := types.ContainerRemoveOptions{Force: force, RemoveVolumes: true}
	if err := d.cli.ContainerRemove(ctx, id, opts); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func (d *Driver) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
	opts := types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	reader, err := d.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, driver.ErrContainerNotFound
		}
		return nil, fmt.Errorf("read logs for %s: %w", id, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("demux logs for %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

func (d *Driver) Stats(ctx context.Context, id string) (map[string]any, error) {
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, driver.ErrContainerNotFound
		}
		return nil, fmt.Errorf("stats for %s: %w", id, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats for %s: %w", id, err)
	}

	return map[string]any{
		"cpu_usage_total":    stats.CPUStats.CPUUsage.TotalUsage,
		"memory_usage_bytes": stats.MemoryStats.Usage,
		"memory_limit_bytes": stats.MemoryStats.Limit,
		"network_rx_bytes":   sumRx(stats.Networks),
		"network_tx_bytes":   sumTx(stats.Networks),
	}, nil
}

func (d *Driver) ListIDsWithLabel(ctx context.Context, key, value string) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", key, value))),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers with label %s=%s: %w", key, value, err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func sumRx(networks map[string]container.NetworkStats) uint64 {
	var total uint64
	for _, n := range networks {
		total += n.RxBytes
	}
	return total
}

func sumTx(networks map[string]container.NetworkStats) uint64 {
	var total uint64
	for _, n := range networks {
		total += n.TxBytes
	}
	return total
}

// parseMemoryLimit parses "4g"/"512m"-style limits into bytes.
func parseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory limit")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		mult = 1024
		s = strings.TrimSuffix(s, "k")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory limit %q: %w", s, err)
	}
	return n * mult, nil
}

func deviceMappings(devices []string) []container.DeviceMapping {
	out := make([]container.DeviceMapping, 0, len(devices))
	for _, dev := range devices {
		out = append(out, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}
	return out
}
