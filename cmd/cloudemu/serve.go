package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cloudemu/pkg/api"
	"cloudemu/pkg/blob"
	"cloudemu/pkg/config"
	"cloudemu/pkg/log"
	"cloudemu/pkg/metadata"
	"cloudemu/pkg/metrics"
	"cloudemu/pkg/server"
	"cloudemu/pkg/services"
	"cloudemu/pkg/telemetry"
)

const dataDirPerm = 0750

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if cfg.LogJSON {
		log.SetJSONOutput(os.Stderr)
	}
	if !log.SetLevel(cfg.LogLevel) {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, keeping default")
	}
	return cfg, nil
}

// openState opens the metadata database and blob root. The returned cleanup closes the
// database and, in memory mode, removes the temporary blob directory.
func openState(cfg *config.Config) (*api.State, func(), error) {
	if cfg.InMemory {
		dir, err := os.MkdirTemp("", "cloudemu-")
		if err != nil {
			return nil, nil, fmt.Errorf("create temporary blob root: %w", err)
		}
		meta, err := metadata.OpenMemory()
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, nil, err
		}
		blobs, err := blob.New(dir)
		if err != nil {
			_ = meta.Close()
			_ = os.RemoveAll(dir)
			return nil, nil, err
		}
		cleanup := func() {
			closeMetadata(meta)
			if err := os.RemoveAll(dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove temporary blob root")
			}
		}
		return &api.State{Config: cfg, Meta: meta, Blobs: blobs, Started: time.Now()}, cleanup, nil
	}

	if err := os.MkdirAll(cfg.DataDir, dataDirPerm); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	meta, err := metadata.Open(cfg.MetadataPath())
	if err != nil {
		return nil, nil, err
	}
	blobs, err := blob.New(cfg.ObjectsDir())
	if err != nil {
		_ = meta.Close()
		return nil, nil, err
	}
	return &api.State{Config: cfg, Meta: meta, Blobs: blobs, Started: time.Now()},
		func() { closeMetadata(meta) }, nil
}

func closeMetadata(meta *metadata.Store) {
	if err := meta.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close metadata store")
		return
	}
	log.Info().Msg("Metadata store closed")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openState(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	tracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, version())
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics {
		m = metrics.New()
	}
	gw := server.New(st, services.NewRegistry(), m, version())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Start(cfg.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		defer cancel()
		return errors.Join(gw.Shutdown(shutdownCtx), tracing.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
