// Package config loads the broker's optional TOML configuration file.
// Flags override file values; the file mostly exists so deployments can
// pin paths and timeouts without wrapping the unit file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the broker configuration.
type Config struct {
	// Port the broker listens on.
	Port int `toml:"port"`
	// LXCPath is the lxc client binary used for all LXD operations.
	LXCPath string `toml:"lxc_path"`
	// RootfsTemplate is the printf template mapping a container name to
	// its root filesystem on the host.
	RootfsTemplate string `toml:"rootfs_template"`
	// ExecutorTimeout bounds each privileged kernel operation.
	ExecutorTimeout Duration `toml:"executor_timeout"`
	// InjectorTimeout bounds each LXD device call.
	InjectorTimeout Duration `toml:"injector_timeout"`
}

// Default returns the built-in configuration. The rootfs template matches
// the snap-packaged LXD layout with the default storage pool.
func Default() Config {
	return Config{
		Port:            12345,
		LXCPath:         "lxc",
		RootfsTemplate:  "/var/snap/lxd/common/lxd/storage-pools/default/containers/%s/rootfs",
		ExecutorTimeout: Duration{10 * time.Second},
		InjectorTimeout: Duration{30 * time.Second},
	}
}

// Load reads a TOML config file over the defaults. A missing file is fine
// when it was not explicitly requested.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown key %q in config %s", undecoded[0].String(), path)
	}
	return cfg, nil
}

// Rootfs resolves the container's root filesystem path on the host.
func (c Config) Rootfs(container string) string {
	return fmt.Sprintf(c.RootfsTemplate, container)
}
