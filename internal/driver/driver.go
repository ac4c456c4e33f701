// Package driver defines the abstraction layer over the container runtime.
// The Lifecycle Manager depends only on this interface, never on a concrete
// daemon client, so backends can be swapped by configuration.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by Driver implementations.
var (
	ErrContainerNotFound = errors.New("container not found")
	ErrInvalidConfig     = errors.New("invalid container configuration")
)

// RunSpec describes the container to create. It mirrors the fields the
// core requires of the runtime at run time; nothing more.
type RunSpec struct {
	Image         string
	Env           map[string]string
	CPULimitCores float64
	MemoryLimit   string // e.g. "4g"; the docker driver parses it into bytes
	Devices       []string
	Capabilities  []string
	PortBindings  map[string]int // container port, e.g. "22/tcp" -> 0 for dynamic
	Labels        map[string]string
	Network       string
	RestartPolicy string // "no", "always", ...
	ExtraHosts    []string
}

// Handle identifies a created container.
type Handle struct {
	ID string
}

// Status is the runtime-observed state of a container.
type Status string

const (
	StatusRunning    Status = "running"
	StatusExited     Status = "exited"
	StatusDead       Status = "dead"
	StatusNotFound   Status = "not_found"
	StatusRestarting Status = "restarting"
)

// Inspection is the result of inspecting a container.
type Inspection struct {
	Status        Status
	AssignedPorts map[string]int // container port -> host port
	StartedAt     time.Time
}

// ExecResult is the outcome of a synchronous exec.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Driver is a thin wrapper over a container runtime daemon. Implementations
// must be safe for concurrent use; the daemon client they wrap should be a
// process-wide singleton constructed lazily and closed once at shutdown.
type Driver interface {
	// Run creates and starts a container per spec, returning its handle.
	Run(ctx context.Context, spec RunSpec) (Handle, error)

	// Inspect reports the current status and assigned ports for id.
	Inspect(ctx context.Context, id string) (Inspection, error)

	// Exec runs argv inside the container as user and waits for completion.
	// When demux is true, stdout and stderr are returned separately;
	// otherwise Stderr is empty and all output is in Stdout.
	Exec(ctx context.Context, id string, argv []string, user string, demux bool) (ExecResult, error)

	// Stop asks the container to terminate within graceSeconds, then kills it.
	Stop(ctx context.Context, id string, graceSeconds int) error

	// Kill sends SIGKILL immediately.
	Kill(ctx context.Context, id string) error

	// Remove deletes the container. When force is true, a running
	// container is killed first.
	Remove(ctx context.Context, id string, force bool) error

	// Logs returns up to tail lines of combined container output.
	Logs(ctx context.Context, id string, tail int) ([]byte, error)

	// Stats returns a snapshot of resource usage for id.
	Stats(ctx context.Context, id string) (map[string]any, error)

	// ListIDsWithLabel returns the IDs of live containers carrying
	// label=value. Used by the reconciler to compute the live set.
	ListIDsWithLabel(ctx context.Context, key, value string) ([]string, error)

	// Healthy checks connectivity to the runtime daemon.
	Healthy(ctx context.Context) error

	// Close releases the daemon client. After Close the driver must not
	// be used again.
	Close() error
}

// Validate applies defaults and rejects an unusable spec.
func (s *RunSpec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidConfig)
	}
	if s.CPULimitCores <= 0 {
		s.CPULimitCores = 1.0
	}
	if s.MemoryLimit == "" {
		s.MemoryLimit = "4g"
	}
	if s.RestartPolicy == "" {
		s.RestartPolicy = "no"
	}
	return nil
}

// Factory creates a Driver instance from configuration. This enables
// runtime selection of the backend by name.
type Factory func(cfg map[string]any) (Driver, error)

var registry = make(map[string]Factory)

// Register registers a driver factory under name, typically from an
// implementation package's init().
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New constructs a Driver using the factory registered under name.
func New(name string, cfg map[string]any) (Driver, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver: %s", name)
	}
	return factory(cfg)
}

// AvailableDrivers lists every registered driver name.
func AvailableDrivers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
