package main

import (
	"context"
	"time"

	"codeberg.org/mutker/tamer/internal/channel"
	"codeberg.org/mutker/tamer/internal/config"
	"codeberg.org/mutker/tamer/internal/engine"
	"codeberg.org/mutker/tamer/internal/gpu"
	"codeberg.org/mutker/tamer/internal/logger"
	"codeberg.org/mutker/tamer/internal/metrics"
	"codeberg.org/mutker/tamer/internal/pid"
	"codeberg.org/mutker/tamer/internal/probe"
	"codeberg.org/mutker/tamer/internal/registry"
	"codeberg.org/mutker/tamer/internal/sink"
	"codeberg.org/mutker/tamer/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 5 * time.Second

func record(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, logger.IsService())
	log := logger.Default()
	log.Debug().Msg("Config loaded")

	if cfg.PIDFile != "" {
		if err := pid.Write(cfg.PIDFile); err != nil {
			return err
		}
		defer func() {
			if err := pid.Remove(cfg.PIDFile); err != nil {
				log.Error().Err(err).Msg("failed to remove pid file")
			}
		}()
	}

	policy, _ := channel.ParsePolicy(cfg.Policy)

	promRegistry := prometheus.NewRegistry()
	observer, err := metrics.NewMetrics(promRegistry)
	if err != nil {
		return err
	}

	out, err := sink.Open(cfg.Sink, log.With("sink"))
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close sink")
		}
	}()

	catalog := types.NewCatalog()
	reg := registry.New(catalog,
		registry.WithDefaultSinks(out),
		registry.WithLogger(log.With("registry")),
		registry.WithChannelOptions(
			channel.WithPolicy(policy),
			channel.WithObserver(observer),
			channel.WithLogger(log.With("channel")),
		),
	)
	defer reg.Close()

	var probes []engine.Probe

	if cfg.ProbeRuntime {
		rt := probe.NewRuntime()
		c, err := reg.Get(rt.Name())
		if err != nil {
			return err
		}
		if err := rt.Register(c); err != nil {
			return err
		}
		probes = append(probes, rt)
	}

	if cfg.ProbeGPU {
		if err := gpu.RegisterSampleType(catalog); err != nil {
			return err
		}
		gp, err := gpu.Open(log.With("gpu"))
		if err != nil {
			return err
		}
		defer func() {
			if err := gp.Close(); err != nil {
				log.Error().Err(err).Msg("failed to shut down NVML")
			}
		}()
		c, err := reg.Get(gp.Name())
		if err != nil {
			return err
		}
		if err := gp.Register(c); err != nil {
			return err
		}
		probes = append(probes, gp)
	}

	eng, err := engine.New(reg, cfg.Interval,
		engine.WithProbes(probes...),
		engine.WithLogger(log.With("engine")),
	)
	if err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		srv := metrics.NewServer(cfg.MetricsListen, promRegistry, log.With("metrics"))
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("failed to stop metrics server")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	log.Info().
		Str("sink", out.Name()).
		Dur("interval", cfg.Interval).
		Str("policy", policy.String()).
		Int("probes", len(probes)).
		Msg("Recording")

	if err := eng.Run(ctx); err != nil {
		return err
	}

	stats := eng.Stats()
	log.Info().
		Uint64("triggers", stats.Triggers).
		Uint64("frames", stats.Frames).
		Uint64("delivery_errors", stats.DeliveryErrors).
		Uint64("probe_errors", stats.ProbeErrors).
		Msg("Exiting...")
	return nil
}
