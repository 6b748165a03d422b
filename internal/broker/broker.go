// Package broker coordinates loop-device requests for one container. Every
// operation drives the same sequence: validate, perform the privileged
// kernel operation, record the result, then reconcile the container's
// device namespace. The two external state stores (host loop table,
// container device list) cannot be updated atomically, so failures on the
// container side trigger an explicit compensating kernel detach instead of
// leaving the stores diverged.
package broker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/mwhudson/losetup-server/internal/api"
	"github.com/mwhudson/losetup-server/internal/loopdev"
	"github.com/mwhudson/losetup-server/internal/registry"
)

// Executor performs privileged loop-device operations on the host kernel.
// The production implementation is loopdev.Kernel.
type Executor interface {
	Attach(ctx context.Context, backingFile string, cfg loopdev.Config) (*loopdev.Device, error)
	Detach(ctx context.Context, path string) error
	DiscoverPartitions(ctx context.Context, path string) ([]string, error)
	List(ctx context.Context) ([]loopdev.Attached, error)
	Resize(ctx context.Context, path string) error
	SetReadOnly(ctx context.Context, path string, readOnly bool) error
	BackingFile(ctx context.Context, path string) (string, bool, error)
	MountedOnHost(paths ...string) (string, bool, error)
}

// Injector makes host device nodes visible inside the target container and
// removes them again. The production implementation drives the LXD device
// API; the broker never bypasses it.
type Injector interface {
	Attach(ctx context.Context, devicePath string) error
	Detach(ctx context.Context, devicePath string) error
	Attached(ctx context.Context, devicePath string) (bool, error)
}

const (
	defaultExecutorTimeout = 10 * time.Second
	defaultInjectorTimeout = 30 * time.Second
)

type options struct {
	executorTimeout time.Duration
	injectorTimeout time.Duration
}

// Opt configures a Broker.
type Opt func(*options)

// WithExecutorTimeout bounds each privileged kernel operation.
func WithExecutorTimeout(d time.Duration) Opt {
	return func(o *options) {
		o.executorTimeout = d
	}
}

// WithInjectorTimeout bounds each round trip to the container runtime.
func WithInjectorTimeout(d time.Duration) Opt {
	return func(o *options) {
		o.injectorTimeout = d
	}
}

// Broker is the request coordinator. Requests for the same backing file are
// strictly serialized in arrival order; requests for distinct backing files
// run concurrently.
type Broker struct {
	reg    *registry.Registry
	exec   Executor
	inj    Injector
	keys   *keyedMutex
	rootfs string

	executorTimeout time.Duration
	injectorTimeout time.Duration
}

// New creates a broker for one container whose root filesystem lives at
// rootfs on the host. Backing file paths from clients are resolved against
// it.
func New(exec Executor, inj Injector, rootfs string, opts ...Opt) *Broker {
	o := options{
		executorTimeout: defaultExecutorTimeout,
		injectorTimeout: defaultInjectorTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker{
		reg:             registry.New(),
		exec:            exec,
		inj:             inj,
		keys:            newKeyedMutex(),
		rootfs:          filepath.Clean(rootfs),
		executorTimeout: o.executorTimeout,
		injectorTimeout: o.injectorTimeout,
	}
}

// Registry exposes the broker's device registry for read-only inspection.
func (b *Broker) Registry() *registry.Registry {
	return b.reg
}

// Handle dispatches one decoded request and always produces a response;
// failures are folded into the response payload for the transport to
// return verbatim.
func (b *Broker) Handle(ctx context.Context, req api.Request) api.Response {
	logger := log.G(ctx).WithField("operation", req.Operation)

	var (
		resp api.Response
		err  error
	)
	switch req.Operation {
	case api.OpAttach:
		resp, err = b.attach(ctx, req)
	case api.OpDetach:
		resp, err = b.detach(ctx, req)
	case api.OpList:
		resp, err = b.list(ctx)
	case api.OpResize:
		resp, err = b.resize(ctx, req)
	case api.OpSetReadOnly:
		resp, err = b.setReadOnly(ctx, req)
	default:
		err = &ValidationError{Reason: fmt.Sprintf("unknown operation %q", req.Operation)}
	}

	if err != nil {
		logger.WithError(err).Warn("request failed")
		return errorResponse(err)
	}
	resp.Status = api.StatusOK
	return resp
}

func errorResponse(err error) api.Response {
	resp := api.Response{
		Status:    api.StatusError,
		ErrorKind: CodeOf(err).Kind(),
		Message:   err.Error(),
	}
	// A partial partition reconcile still names the device and the
	// sub-devices that did attach, so the caller can retry selectively.
	var re *ReconcileError
	if errors.As(err, &re) {
		resp.Path = re.Device
		resp.Partitions = re.Attached
	}
	return resp
}

// resolveBackingFile maps a client-supplied backing file path to the host
// path under the container rootfs. The clients send container-relative
// paths; host device paths and absolute paths already under the rootfs
// pass through unchanged (the kernel decides whether a device node is an
// acceptable backing file).
func (b *Broker) resolveBackingFile(raw string) (string, error) {
	if raw == "" {
		return "", &ValidationError{Reason: "backingFile is required"}
	}
	if strings.ContainsRune(raw, 0) {
		return "", &ValidationError{Reason: "backingFile contains a NUL byte"}
	}
	if cleaned := filepath.Clean(raw); strings.HasPrefix(cleaned, "/dev/") {
		return cleaned, nil
	}

	if filepath.IsAbs(raw) && strings.HasPrefix(filepath.Clean(raw), b.rootfs+"/") {
		return filepath.Clean(raw), nil
	}

	resolved := filepath.Join(b.rootfs, strings.TrimPrefix(raw, "/"))
	if !strings.HasPrefix(resolved, b.rootfs+"/") {
		return "", &ValidationError{Reason: fmt.Sprintf("backingFile %q escapes the container rootfs", raw)}
	}
	return resolved, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
