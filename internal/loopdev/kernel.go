package loopdev

import "context"

// Kernel performs loop-device operations against the running kernel. It is
// the production implementation of the broker's executor; tests substitute
// a fake.
type Kernel struct{}

func (Kernel) Attach(ctx context.Context, backingFile string, cfg Config) (*Device, error) {
	return Attach(ctx, backingFile, cfg)
}

func (Kernel) Detach(ctx context.Context, path string) error {
	return Detach(ctx, path)
}

func (Kernel) DiscoverPartitions(ctx context.Context, path string) ([]string, error) {
	return DiscoverPartitions(ctx, path)
}

func (Kernel) List(ctx context.Context) ([]Attached, error) {
	return List(ctx)
}

func (Kernel) Resize(ctx context.Context, path string) error {
	return Resize(ctx, path)
}

func (Kernel) SetReadOnly(ctx context.Context, path string, readOnly bool) error {
	return SetReadOnly(ctx, path, readOnly)
}

func (Kernel) BackingFile(ctx context.Context, path string) (string, bool, error) {
	return BackingFile(ctx, path)
}

func (Kernel) MountedOnHost(paths ...string) (string, bool, error) {
	return MountedOnHost(paths...)
}
