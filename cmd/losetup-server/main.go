// losetup-server is a privileged broker that performs loop-device
// operations on behalf of a single LXD container. It listens on the
// container's bridge network; the in-container losetup-client talks to it
// over HTTP and the broker makes the resulting devices visible inside the
// container.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mwhudson/losetup-server/internal/broker"
	"github.com/mwhudson/losetup-server/internal/config"
	"github.com/mwhudson/losetup-server/internal/injector"
	"github.com/mwhudson/losetup-server/internal/loopdev"
	"github.com/mwhudson/losetup-server/internal/lxdapi"
	"github.com/mwhudson/losetup-server/internal/netdiscover"
	"github.com/mwhudson/losetup-server/internal/preflight"
	"github.com/mwhudson/losetup-server/internal/server"
	"github.com/mwhudson/losetup-server/internal/sysexec"
)

// Version information - set via ldflags at build time
var (
	version   = "dev"
	gitCommit = "unknown"
)

const defaultConfigPath = "/etc/losetup-server/config.toml"

func main() {
	app := &cli.App{
		Name:      "losetup-server",
		Usage:     "loop device broker for an LXD container",
		ArgsUsage: "<container>",
		Version:   fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on (overrides config file)",
				EnvVars: []string{"LOSETUP_SERVER_PORT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Value:   defaultConfigPath,
				EnvVars: []string{"LOSETUP_SERVER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	if cliCtx.NArg() != 1 {
		return fmt.Errorf("exactly one container name is required")
	}
	container := cliCtx.Args().First()

	if err := log.SetLevel(cliCtx.String("log-level")); err != nil {
		return err
	}

	if err := preflight.Check(); err != nil {
		return fmt.Errorf("preflight check failed: %w", err)
	}

	cfg, err := config.Load(cliCtx.String("config"), cliCtx.IsSet("config"))
	if err != nil {
		return err
	}
	if cliCtx.IsSet("port") {
		cfg.Port = cliCtx.Int("port")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &sysexec.Runner{}

	// Find the host address on the container's bridge; the broker must not
	// be reachable from anywhere else.
	lxd := lxdapi.NewClient(runner, cfg.LXCPath)
	inst, err := lxd.Query(ctx, container)
	if err != nil {
		return err
	}
	bridge, err := inst.BridgeNetwork()
	if err != nil {
		return err
	}
	host, err := netdiscover.InterfaceIPv4(ctx, runner, bridge)
	if err != nil {
		return err
	}

	b := broker.New(
		loopdev.Kernel{},
		injector.New(runner, cfg.LXCPath, container),
		cfg.Rootfs(container),
		broker.WithExecutorTimeout(cfg.ExecutorTimeout.Duration),
		broker.WithInjectorTimeout(cfg.InjectorTimeout.Duration),
	)

	// Rebuild the registry from live kernel state before serving.
	if err := b.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	srv := server.New(b)
	address := net.JoinHostPort(host, strconv.Itoa(cfg.Port))

	log.G(ctx).WithField("container", container).
		WithField("bridge", bridge).
		WithField("address", address).
		Info("starting losetup-server")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(address); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			log.G(ctx).WithField("signal", sig).Info("received shutdown signal")
		case <-gctx.Done():
			// Server failed on its own; nothing to shut down.
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.G(ctx).Info("shutting down")
	return nil
}
