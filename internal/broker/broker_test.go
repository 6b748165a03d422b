package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/mwhudson/losetup-server/internal/api"
	"github.com/mwhudson/losetup-server/internal/loopdev"
	"github.com/mwhudson/losetup-server/internal/registry"
)

const testRootfs = "/srv/c1/rootfs"

// fakeExecutor simulates the kernel's loop device table.
type fakeExecutor struct {
	mu      sync.Mutex
	nextNum int
	devices map[string]string // device path -> backing file
	ro      map[string]bool

	partCount   map[string]int   // backing file -> partitions discovered
	attachErr   map[string]error // keyed by backing file
	detachErr   map[string]error // keyed by device path
	resizeErr   error
	mounted     map[string]bool
	lateAttach  map[string]bool // attach times out but completes anyway

	attachCalls []string
	detachCalls []string
	resizeCalls []string
	setROCalls  []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		devices:    make(map[string]string),
		ro:         make(map[string]bool),
		partCount:  make(map[string]int),
		attachErr:  make(map[string]error),
		detachErr:  make(map[string]error),
		mounted:    make(map[string]bool),
		lateAttach: make(map[string]bool),
	}
}

func (f *fakeExecutor) addDevice(backing string, ro bool) (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	num := f.nextNum
	f.nextNum++
	path := fmt.Sprintf("/dev/loop%d", num)
	f.devices[path] = backing
	f.ro[path] = ro
	return path, num
}

func (f *fakeExecutor) Attach(ctx context.Context, backing string, cfg loopdev.Config) (*loopdev.Device, error) {
	f.mu.Lock()
	f.attachCalls = append(f.attachCalls, backing)
	err := f.attachErr[backing]
	late := f.lateAttach[backing]
	f.mu.Unlock()

	if err != nil {
		if late {
			f.addDevice(backing, cfg.ReadOnly)
		}
		return nil, err
	}

	path, num := f.addDevice(backing, cfg.ReadOnly)
	return &loopdev.Device{Path: path, Number: num}, nil
}

func (f *fakeExecutor) Detach(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachCalls = append(f.detachCalls, path)
	if err := f.detachErr[path]; err != nil {
		return err
	}
	delete(f.devices, path)
	return nil
}

func (f *fakeExecutor) DiscoverPartitions(ctx context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.partCount[f.devices[path]]
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, fmt.Sprintf("%sp%d", path, i))
	}
	return parts, nil
}

func (f *fakeExecutor) List(ctx context.Context) ([]loopdev.Attached, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []loopdev.Attached
	for path, backing := range f.devices {
		out = append(out, loopdev.Attached{
			Path:        path,
			BackingFile: backing,
			ReadOnly:    f.ro[path],
			PartScan:    f.partCount[backing] > 0,
		})
	}
	return out, nil
}

func (f *fakeExecutor) Resize(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizeCalls = append(f.resizeCalls, path)
	return f.resizeErr
}

func (f *fakeExecutor) SetReadOnly(ctx context.Context, path string, ro bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setROCalls = append(f.setROCalls, path)
	f.ro[path] = ro
	return nil
}

func (f *fakeExecutor) BackingFile(ctx context.Context, path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	backing, ok := f.devices[path]
	return backing, ok, nil
}

func (f *fakeExecutor) MountedOnHost(paths ...string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		if f.mounted[p] {
			return p, true, nil
		}
	}
	return "", false, nil
}

// fakeInjector simulates the container's device list.
type fakeInjector struct {
	mu         sync.Mutex
	attached   map[string]bool
	attachErr  map[string]error
	detachErr  map[string]error
	lateAttach map[string]bool // attach times out but completes anyway
	lateDetach map[string]bool // detach times out but completes anyway

	attachCalls []string
	detachCalls []string
}

func newFakeInjector() *fakeInjector {
	return &fakeInjector{
		attached:   make(map[string]bool),
		attachErr:  make(map[string]error),
		detachErr:  make(map[string]error),
		lateAttach: make(map[string]bool),
		lateDetach: make(map[string]bool),
	}
}

func (f *fakeInjector) Attach(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls = append(f.attachCalls, path)
	if err := f.attachErr[path]; err != nil {
		if f.lateAttach[path] {
			f.attached[path] = true
		}
		return err
	}
	f.attached[path] = true
	return nil
}

func (f *fakeInjector) Detach(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachCalls = append(f.detachCalls, path)
	if err := f.detachErr[path]; err != nil {
		if f.lateDetach[path] {
			delete(f.attached, path)
		}
		return err
	}
	delete(f.attached, path)
	return nil
}

func (f *fakeInjector) Attached(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[path], nil
}

func newTestBroker() (*Broker, *fakeExecutor, *fakeInjector) {
	exec := newFakeExecutor()
	inj := newFakeInjector()
	return New(exec, inj, testRootfs), exec, inj
}

func attachReq(file string) api.Request {
	return api.Request{Operation: api.OpAttach, BackingFile: file}
}

func TestAttachHappyPath(t *testing.T) {
	b, exec, inj := newTestBroker()

	resp := b.Handle(context.Background(), attachReq("/disk.img"))
	if resp.Status != api.StatusOK {
		t.Fatalf("attach failed: %s", resp.Message)
	}
	if resp.Path != "/dev/loop0" {
		t.Errorf("unexpected device path %s", resp.Path)
	}
	if resp.BackingFile != testRootfs+"/disk.img" {
		t.Errorf("backing file not resolved against rootfs: %s", resp.BackingFile)
	}

	dev, err := b.reg.Find("/dev/loop0")
	if err != nil {
		t.Fatal(err)
	}
	if dev.State != registry.ContainerAttached || !dev.AttachedToContainer {
		t.Errorf("device not container-attached: state=%v", dev.State)
	}
	if len(exec.attachCalls) != 1 || len(inj.attachCalls) != 1 {
		t.Errorf("unexpected call counts: exec=%d inj=%d", len(exec.attachCalls), len(inj.attachCalls))
	}
}

func TestAttachWithPartitions(t *testing.T) {
	b, exec, inj := newTestBroker()
	resolved := testRootfs + "/disk.img"
	exec.partCount[resolved] = 2

	resp := b.Handle(context.Background(), api.Request{
		Operation:     api.OpAttach,
		BackingFile:   "/disk.img",
		PartitionScan: true,
	})
	if resp.Status != api.StatusOK {
		t.Fatalf("attach failed: %s", resp.Message)
	}
	if len(resp.Partitions) != 2 {
		t.Fatalf("expected 2 partitions, got %v", resp.Partitions)
	}

	// Device first, then partitions in order.
	want := []string{"/dev/loop0", "/dev/loop0p1", "/dev/loop0p2"}
	if len(inj.attachCalls) != len(want) {
		t.Fatalf("injector calls = %v", inj.attachCalls)
	}
	for i, p := range want {
		if inj.attachCalls[i] != p {
			t.Errorf("injector call %d = %s, want %s", i, inj.attachCalls[i], p)
		}
	}

	dev, err := b.reg.Find("/dev/loop0")
	if err != nil {
		t.Fatal(err)
	}
	if got := dev.AttachedPartitions(); len(got) != 2 {
		t.Errorf("attached partitions = %v", got)
	}
}

func TestAttachDuplicateWithoutForce(t *testing.T) {
	b, exec, _ := newTestBroker()
	ctx := context.Background()

	if resp := b.Handle(ctx, attachReq("/disk.img")); resp.Status != api.StatusOK {
		t.Fatalf("first attach failed: %s", resp.Message)
	}

	resp := b.Handle(ctx, attachReq("/disk.img"))
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindAlreadyExists {
		t.Fatalf("expected AlreadyExists, got %+v", resp)
	}
	if len(exec.attachCalls) != 1 {
		t.Errorf("duplicate attach reached the kernel: %v", exec.attachCalls)
	}
	if got := len(b.reg.ListActive()); got != 1 {
		t.Errorf("expected 1 registry entry, got %d", got)
	}
}

func TestAttachDuplicateWithForce(t *testing.T) {
	b, _, _ := newTestBroker()
	ctx := context.Background()

	if resp := b.Handle(ctx, attachReq("/disk.img")); resp.Status != api.StatusOK {
		t.Fatal("first attach failed")
	}
	req := attachReq("/disk.img")
	req.Force = true
	resp := b.Handle(ctx, req)
	if resp.Status != api.StatusOK {
		t.Fatalf("forced attach failed: %s", resp.Message)
	}
	if got := len(b.reg.ListActive()); got != 2 {
		t.Errorf("expected 2 registry entries after forced attach, got %d", got)
	}
}

func TestAttachDetachRoundTrip(t *testing.T) {
	b, exec, inj := newTestBroker()
	ctx := context.Background()
	resolved := testRootfs + "/disk.img"
	exec.partCount[resolved] = 2

	resp := b.Handle(ctx, api.Request{
		Operation:     api.OpAttach,
		BackingFile:   "/disk.img",
		PartitionScan: true,
	})
	if resp.Status != api.StatusOK {
		t.Fatalf("attach failed: %s", resp.Message)
	}

	resp = b.Handle(ctx, api.Request{Operation: api.OpDetach, BackingFile: "/disk.img"})
	if resp.Status != api.StatusOK {
		t.Fatalf("detach failed: %s", resp.Message)
	}

	if got := len(b.reg.ListActive()); got != 0 {
		t.Errorf("expected empty registry, got %d entries", got)
	}
	// Balanced injector calls: everything attached was detached.
	if len(inj.attachCalls) != len(inj.detachCalls) {
		t.Errorf("unbalanced injector calls: attach=%v detach=%v", inj.attachCalls, inj.detachCalls)
	}
	// Partitions detach before the device, in reverse attach order.
	want := []string{"/dev/loop0p2", "/dev/loop0p1", "/dev/loop0"}
	for i, p := range want {
		if inj.detachCalls[i] != p {
			t.Errorf("detach call %d = %s, want %s", i, inj.detachCalls[i], p)
		}
	}
	if len(exec.detachCalls) != 1 || exec.detachCalls[0] != "/dev/loop0" {
		t.Errorf("kernel detach calls = %v", exec.detachCalls)
	}
}

func TestAttachInjectorFailureCompensates(t *testing.T) {
	b, exec, inj := newTestBroker()
	inj.attachErr["/dev/loop0"] = fmt.Errorf("lxd: device add refused")

	resp := b.Handle(context.Background(), attachReq("/disk.img"))
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindReconcileFailed {
		t.Fatalf("expected ContainerReconcileFailed, got %+v", resp)
	}

	// The host attach was rolled back: no device left behind.
	if len(exec.detachCalls) != 1 || exec.detachCalls[0] != "/dev/loop0" {
		t.Errorf("expected compensating kernel detach, got %v", exec.detachCalls)
	}
	if got := len(b.reg.ListActive()); got != 0 {
		t.Errorf("expected empty registry after compensation, got %d entries", got)
	}
}

func TestAttachPartitionFailureIsPartial(t *testing.T) {
	b, exec, inj := newTestBroker()
	resolved := testRootfs + "/disk.img"
	exec.partCount[resolved] = 2
	inj.attachErr["/dev/loop0p2"] = fmt.Errorf("lxd: device add refused")

	resp := b.Handle(context.Background(), api.Request{
		Operation:     api.OpAttach,
		BackingFile:   "/disk.img",
		PartitionScan: true,
	})
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindReconcileFailed {
		t.Fatalf("expected ContainerReconcileFailed, got %+v", resp)
	}
	// Partial result: the device and the partition that worked are named.
	if resp.Path != "/dev/loop0" {
		t.Errorf("partial response lost the device path: %+v", resp)
	}
	if len(resp.Partitions) != 1 || resp.Partitions[0] != "/dev/loop0p1" {
		t.Errorf("expected the surviving partition in the response, got %v", resp.Partitions)
	}

	// No compensation: the device stays attached so the caller can retry
	// just the failed partition.
	if len(exec.detachCalls) != 0 {
		t.Errorf("unexpected kernel detach: %v", exec.detachCalls)
	}
	dev, err := b.reg.Find("/dev/loop0")
	if err != nil {
		t.Fatal(err)
	}
	if !dev.AttachedToContainer {
		t.Error("device lost container attachment")
	}
	if got := dev.AttachedPartitions(); len(got) != 1 || got[0] != "/dev/loop0p1" {
		t.Errorf("attached partitions = %v", got)
	}
}

func TestDetachPartitionFailureBlocksKernelDetach(t *testing.T) {
	b, exec, inj := newTestBroker()
	ctx := context.Background()
	resolved := testRootfs + "/disk.img"
	exec.partCount[resolved] = 1

	resp := b.Handle(ctx, api.Request{
		Operation:     api.OpAttach,
		BackingFile:   "/disk.img",
		PartitionScan: true,
	})
	if resp.Status != api.StatusOK {
		t.Fatal("attach failed")
	}

	inj.detachErr["/dev/loop0p1"] = fmt.Errorf("lxd: device busy")

	resp = b.Handle(ctx, api.Request{Operation: api.OpDetach, Path: "/dev/loop0"})
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindReconcileFailed {
		t.Fatalf("expected ContainerReconcileFailed, got %+v", resp)
	}

	// The kernel detach was never attempted: a host detach under a
	// container-visible device would leave a dangling node.
	if len(exec.detachCalls) != 0 {
		t.Errorf("kernel detach must not run, got %v", exec.detachCalls)
	}
	dev, err := b.reg.Find("/dev/loop0")
	if err != nil {
		t.Fatal(err)
	}
	if dev.State != registry.ContainerAttached || !dev.AttachedToContainer {
		t.Errorf("device should remain container-attached, state=%v", dev.State)
	}
}

func TestAttachKernelFailure(t *testing.T) {
	b, exec, inj := newTestBroker()
	resolved := testRootfs + "/missing.img"
	exec.attachErr[resolved] = fmt.Errorf("open %s: no such file or directory", resolved)

	resp := b.Handle(context.Background(), attachReq("/missing.img"))
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindKernel {
		t.Fatalf("expected KernelFailure, got %+v", resp)
	}
	if got := len(b.reg.ListActive()); got != 0 {
		t.Errorf("registry entry created for failed attach: %d", got)
	}
	if len(inj.attachCalls) != 0 {
		t.Errorf("injector called for failed attach: %v", inj.attachCalls)
	}
}

func TestAttachTimeoutConfirmsAndCompensates(t *testing.T) {
	b, exec, _ := newTestBroker()
	resolved := testRootfs + "/slow.img"
	// The kernel call times out but completes anyway; the confirm query
	// must find the device and undo it.
	exec.attachErr[resolved] = context.DeadlineExceeded
	exec.lateAttach[resolved] = true

	resp := b.Handle(context.Background(), attachReq("/slow.img"))
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindTimeout {
		t.Fatalf("expected Timeout, got %+v", resp)
	}
	if len(exec.detachCalls) != 1 {
		t.Errorf("expected compensating detach of the late device, got %v", exec.detachCalls)
	}
	if got := len(b.reg.ListActive()); got != 0 {
		t.Errorf("expected empty registry, got %d", got)
	}
}

func TestAttachInjectorTimeoutConfirmedAsSuccess(t *testing.T) {
	b, exec, inj := newTestBroker()
	// The device add times out but LXD completes it anyway; the confirm
	// query finds the entry and the attach counts as a success.
	inj.attachErr["/dev/loop0"] = context.DeadlineExceeded
	inj.lateAttach["/dev/loop0"] = true

	resp := b.Handle(context.Background(), attachReq("/disk.img"))
	if resp.Status != api.StatusOK {
		t.Fatalf("attach failed: %s", resp.Message)
	}
	if len(exec.detachCalls) != 0 {
		t.Errorf("unexpected compensating detach: %v", exec.detachCalls)
	}
	dev, err := b.reg.Find("/dev/loop0")
	if err != nil {
		t.Fatal(err)
	}
	if dev.State != registry.ContainerAttached {
		t.Errorf("state = %v, want ContainerAttached", dev.State)
	}
}

func TestAttachInjectorTimeoutConfirmedAbsent(t *testing.T) {
	b, exec, inj := newTestBroker()
	// The device add times out and the confirm query shows no entry: a
	// failed injection, so the host attach is rolled back.
	inj.attachErr["/dev/loop0"] = context.DeadlineExceeded

	resp := b.Handle(context.Background(), attachReq("/disk.img"))
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindReconcileFailed {
		t.Fatalf("expected ContainerReconcileFailed, got %+v", resp)
	}
	if len(exec.detachCalls) != 1 {
		t.Errorf("expected compensating detach, got %v", exec.detachCalls)
	}
	if got := len(b.reg.ListActive()); got != 0 {
		t.Errorf("expected empty registry, got %d entries", got)
	}
}

func TestDetachInjectorTimeoutConfirmedAsSuccess(t *testing.T) {
	b, exec, inj := newTestBroker()
	ctx := context.Background()

	if resp := b.Handle(ctx, attachReq("/disk.img")); resp.Status != api.StatusOK {
		t.Fatal("attach failed")
	}
	// The device remove times out but LXD completes it anyway; the confirm
	// query finds the entry gone and the detach proceeds to the kernel.
	inj.detachErr["/dev/loop0"] = context.DeadlineExceeded
	inj.lateDetach["/dev/loop0"] = true

	resp := b.Handle(ctx, api.Request{Operation: api.OpDetach, Path: "/dev/loop0"})
	if resp.Status != api.StatusOK {
		t.Fatalf("detach failed: %s", resp.Message)
	}
	if len(exec.detachCalls) != 1 {
		t.Errorf("kernel detach calls = %v", exec.detachCalls)
	}
	if got := len(b.reg.ListActive()); got != 0 {
		t.Errorf("expected empty registry, got %d entries", got)
	}
}

func TestDetachInjectorTimeoutStillAttached(t *testing.T) {
	b, exec, inj := newTestBroker()
	ctx := context.Background()

	if resp := b.Handle(ctx, attachReq("/disk.img")); resp.Status != api.StatusOK {
		t.Fatal("attach failed")
	}
	// The remove times out and the entry is still there: the kernel detach
	// must not run under a container-visible device.
	inj.detachErr["/dev/loop0"] = context.DeadlineExceeded

	resp := b.Handle(ctx, api.Request{Operation: api.OpDetach, Path: "/dev/loop0"})
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindReconcileFailed {
		t.Fatalf("expected ContainerReconcileFailed, got %+v", resp)
	}
	if len(exec.detachCalls) != 0 {
		t.Errorf("kernel detach must not run, got %v", exec.detachCalls)
	}
	dev, err := b.reg.Find("/dev/loop0")
	if err != nil {
		t.Fatal(err)
	}
	if dev.State != registry.ContainerAttached {
		t.Errorf("state = %v, want ContainerAttached", dev.State)
	}
}

func TestDetachRefusedWhileMountedOnHost(t *testing.T) {
	b, exec, inj := newTestBroker()
	ctx := context.Background()

	if resp := b.Handle(ctx, attachReq("/disk.img")); resp.Status != api.StatusOK {
		t.Fatal("attach failed")
	}
	exec.mounted["/dev/loop0"] = true
	preDetach := len(inj.detachCalls)

	resp := b.Handle(ctx, api.Request{Operation: api.OpDetach, Path: "/dev/loop0"})
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindKernel {
		t.Fatalf("expected KernelFailure for mounted device, got %+v", resp)
	}
	if len(inj.detachCalls) != preDetach {
		t.Errorf("container detach attempted for mounted device")
	}
	if _, err := b.reg.Find("/dev/loop0"); err != nil {
		t.Errorf("device record lost: %v", err)
	}
}

func TestDetachUnknownDevice(t *testing.T) {
	b, _, _ := newTestBroker()

	resp := b.Handle(context.Background(), api.Request{Operation: api.OpDetach, Path: "/dev/loop9"})
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindNotFound {
		t.Fatalf("expected NotFound, got %+v", resp)
	}
}

func TestConcurrentAttachSameBackingFile(t *testing.T) {
	b, _, _ := newTestBroker()
	ctx := context.Background()

	const n = 10
	results := make(chan api.Response, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- b.Handle(ctx, attachReq("/disk.img"))
		}()
	}
	wg.Wait()
	close(results)

	var ok, alreadyExists int
	for resp := range results {
		switch {
		case resp.Status == api.StatusOK:
			ok++
		case resp.ErrorKind == api.KindAlreadyExists:
			alreadyExists++
		default:
			t.Errorf("unexpected response: %+v", resp)
		}
	}
	if ok != 1 || alreadyExists != n-1 {
		t.Errorf("expected exactly one winner, got ok=%d alreadyExists=%d", ok, alreadyExists)
	}
	if got := len(b.reg.ListActive()); got != 1 {
		t.Errorf("expected 1 registry entry, got %d", got)
	}
}

func TestConcurrentAttachDistinctBackingFiles(t *testing.T) {
	b, _, _ := newTestBroker()
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := b.Handle(ctx, attachReq(fmt.Sprintf("/disk%d.img", i)))
			if resp.Status != api.StatusOK {
				t.Errorf("attach %d failed: %s", i, resp.Message)
			}
		}(i)
	}
	wg.Wait()

	if got := len(b.reg.ListActive()); got != n {
		t.Errorf("expected %d registry entries, got %d", n, got)
	}
}

func TestListInsertionOrder(t *testing.T) {
	b, _, _ := newTestBroker()
	ctx := context.Background()

	for _, f := range []string{"/c.img", "/a.img", "/b.img"} {
		if resp := b.Handle(ctx, attachReq(f)); resp.Status != api.StatusOK {
			t.Fatalf("attach %s failed", f)
		}
	}

	resp := b.Handle(ctx, api.Request{Operation: api.OpList})
	if resp.Status != api.StatusOK {
		t.Fatal("list failed")
	}
	if len(resp.Devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(resp.Devices))
	}
	wantOrder := []string{"/c.img", "/a.img", "/b.img"}
	for i, d := range resp.Devices {
		if d.BackingFile != testRootfs+wantOrder[i] {
			t.Errorf("position %d: got %s", i, d.BackingFile)
		}
		if d.State != "container-attached" {
			t.Errorf("device %s state = %s", d.Path, d.State)
		}
	}
}

func TestResize(t *testing.T) {
	b, exec, _ := newTestBroker()
	ctx := context.Background()

	if resp := b.Handle(ctx, attachReq("/disk.img")); resp.Status != api.StatusOK {
		t.Fatal("attach failed")
	}

	resp := b.Handle(ctx, api.Request{Operation: api.OpResize, Path: "/dev/loop0"})
	if resp.Status != api.StatusOK {
		t.Fatalf("resize failed: %s", resp.Message)
	}
	if len(exec.resizeCalls) != 1 {
		t.Errorf("resize calls = %v", exec.resizeCalls)
	}
}

func TestResizeReadOnlyDevice(t *testing.T) {
	b, _, _ := newTestBroker()
	ctx := context.Background()

	req := attachReq("/disk.img")
	req.ReadOnly = true
	if resp := b.Handle(ctx, req); resp.Status != api.StatusOK {
		t.Fatal("attach failed")
	}

	resp := b.Handle(ctx, api.Request{Operation: api.OpResize, Path: "/dev/loop0"})
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindValidation {
		t.Fatalf("expected ValidationError, got %+v", resp)
	}
}

func TestResizeVanishedDevice(t *testing.T) {
	b, exec, _ := newTestBroker()
	ctx := context.Background()

	if resp := b.Handle(ctx, attachReq("/disk.img")); resp.Status != api.StatusOK {
		t.Fatal("attach failed")
	}
	// The kernel reclaimed the device behind the broker's back.
	exec.mu.Lock()
	delete(exec.devices, "/dev/loop0")
	exec.mu.Unlock()

	resp := b.Handle(ctx, api.Request{Operation: api.OpResize, Path: "/dev/loop0"})
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindNotFound {
		t.Fatalf("expected NotFound for vanished device, got %+v", resp)
	}
	// The stale record was force-released.
	if got := len(b.reg.ListActive()); got != 0 {
		t.Errorf("expected empty registry, got %d", got)
	}
}

func TestSetReadOnly(t *testing.T) {
	b, exec, _ := newTestBroker()
	ctx := context.Background()

	if resp := b.Handle(ctx, attachReq("/disk.img")); resp.Status != api.StatusOK {
		t.Fatal("attach failed")
	}

	resp := b.Handle(ctx, api.Request{Operation: api.OpSetReadOnly, Path: "/dev/loop0", ReadOnly: true})
	if resp.Status != api.StatusOK {
		t.Fatalf("setReadOnly failed: %s", resp.Message)
	}
	if len(exec.setROCalls) != 1 {
		t.Errorf("setReadOnly calls = %v", exec.setROCalls)
	}
	dev, _ := b.reg.Find("/dev/loop0")
	if !dev.ReadOnly {
		t.Error("registry read-only flag not updated")
	}

	// Same value again is a no-op.
	resp = b.Handle(ctx, api.Request{Operation: api.OpSetReadOnly, Path: "/dev/loop0", ReadOnly: true})
	if resp.Status != api.StatusOK || len(exec.setROCalls) != 1 {
		t.Errorf("no-op setReadOnly hit the kernel: %v", exec.setROCalls)
	}
}

func TestSetReadOnlyRefusedWithAttachedPartitions(t *testing.T) {
	b, exec, _ := newTestBroker()
	ctx := context.Background()
	exec.partCount[testRootfs+"/disk.img"] = 1

	resp := b.Handle(ctx, api.Request{
		Operation:     api.OpAttach,
		BackingFile:   "/disk.img",
		PartitionScan: true,
	})
	if resp.Status != api.StatusOK {
		t.Fatal("attach failed")
	}

	resp = b.Handle(ctx, api.Request{Operation: api.OpSetReadOnly, Path: "/dev/loop0", ReadOnly: true})
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindValidation {
		t.Fatalf("expected ValidationError, got %+v", resp)
	}
}

func TestUnknownOperation(t *testing.T) {
	b, _, _ := newTestBroker()

	resp := b.Handle(context.Background(), api.Request{Operation: "format"})
	if resp.Status != api.StatusError || resp.ErrorKind != api.KindValidation {
		t.Fatalf("expected ValidationError, got %+v", resp)
	}
}

func TestValidationRejectsBadBackingFiles(t *testing.T) {
	b, exec, _ := newTestBroker()

	tests := []struct {
		name string
		file string
	}{
		{name: "empty", file: ""},
		{name: "escapes rootfs", file: "../../etc/shadow"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := b.Handle(context.Background(), attachReq(tc.file))
			if resp.Status != api.StatusError || resp.ErrorKind != api.KindValidation {
				t.Errorf("expected ValidationError, got %+v", resp)
			}
		})
	}
	if len(exec.attachCalls) != 0 {
		t.Errorf("validation failures reached the kernel: %v", exec.attachCalls)
	}
}

func TestAttachDevicePathPassesThrough(t *testing.T) {
	b, exec, _ := newTestBroker()

	// Host device paths are not rewritten under the rootfs; the kernel
	// decides whether it will accept one as a backing file.
	resp := b.Handle(context.Background(), attachReq("/dev/sdb"))
	if resp.Status != api.StatusOK {
		t.Fatalf("attach failed: %s", resp.Message)
	}
	if resp.BackingFile != "/dev/sdb" {
		t.Errorf("backing file rewritten to %q", resp.BackingFile)
	}
	if len(exec.attachCalls) != 1 || exec.attachCalls[0] != "/dev/sdb" {
		t.Errorf("executor saw %v", exec.attachCalls)
	}
}

func TestReconcileAdoptsExistingDevices(t *testing.T) {
	exec := newFakeExecutor()
	inj := newFakeInjector()

	// Device already visible in the container.
	adopted, _ := exec.addDevice(testRootfs+"/a.img", false)
	inj.attached[adopted] = true
	// Device attached on the host only.
	hostOnly, _ := exec.addDevice(testRootfs+"/b.img", true)
	// Device belonging to someone else entirely.
	exec.addDevice("/var/lib/other/c.img", false)

	b := New(exec, inj, testRootfs)
	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	devices := b.reg.ListActive()
	if len(devices) != 2 {
		t.Fatalf("expected 2 adopted devices, got %d", len(devices))
	}

	byPath := make(map[string]registry.Device)
	for _, d := range devices {
		byPath[d.Path] = d
	}
	if d := byPath[adopted]; d.State != registry.ContainerAttached || !d.AttachedToContainer {
		t.Errorf("container-visible device adopted as %v", d.State)
	}
	if d := byPath[hostOnly]; d.State != registry.HostAttached || d.AttachedToContainer {
		t.Errorf("host-only device adopted as %v", d.State)
	}
	if !byPath[hostOnly].ReadOnly {
		t.Error("read-only flag lost during adoption")
	}
}
