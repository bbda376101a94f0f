// Command moattd runs the SIM access broker: the two tunnel listeners
// (provider, probe) and the REST admin surface, sharing one registry and
// match engine.
//
// Grounded on the teacher's main.go: a single entry point that loads YAML
// config, builds its components, and runs them under one cancellable
// context torn down by SIGINT/SIGTERM — generalized to a Cobra root
// command per SPEC_FULL.md §4.11 instead of the teacher's flag package.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sbaresearch/moatt-go/internal/config"
	"github.com/sbaresearch/moatt-go/internal/match"
	"github.com/sbaresearch/moatt-go/internal/metrics"
	"github.com/sbaresearch/moatt-go/internal/registry"
	"github.com/sbaresearch/moatt-go/internal/rest"
	"github.com/sbaresearch/moatt-go/internal/tunnel"
	"github.com/sbaresearch/moatt-go/internal/wire"
)

// Version is the release identifier reported in startup logs.
var Version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "moattd",
		Short: "Run the SIM access broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	return cmd
}

func run(configPath string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if lvl, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(lvl)
	}

	adminToken, err := cfg.Auth.AdminTokenBytes()
	if err != nil {
		return err
	}
	admin, err := wire.NewToken(adminToken)
	if err != nil {
		return fmt.Errorf("admin token: %w", err)
	}

	store := registry.New(admin, cfg.Auth.SessionTTL)
	engine := match.New(store)
	m := metrics.New()

	tunnelSrv, err := tunnel.New(cfg, store, engine, m)
	if err != nil {
		return fmt.Errorf("building tunnel server: %w", err)
	}
	restSrv := rest.New(fmt.Sprintf("%s:%d", cfg.Rest.BindAddr, cfg.Rest.Port), store, m)

	log.WithFields(log.Fields{
		"version":       Version,
		"provider_addr": tunnelSrv.ProviderAddr,
		"probe_addr":    tunnelSrv.ProbeAddr,
		"rest_addr":     restSrv.Addr(),
	}).Info("moattd: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("moattd: shutdown signal received")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tunnelSrv.Run(gctx) })
	g.Go(func() error { return restSrv.Run(gctx) })

	return g.Wait()
}
