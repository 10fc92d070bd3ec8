package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthflow/config"
	"depthflow/internal/consolidator"
	"depthflow/internal/metrics"
	"depthflow/internal/pipeline"
	"depthflow/internal/reader/binance"
	"depthflow/internal/shutdown"
	"depthflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	shardPath := flag.String("shards", "config/ip_shards.yml", "Path to IP shard configuration file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Depthflow.Name,
		"version": cfg.Depthflow.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting depthflow")

	shards, err := config.LoadIPShards(*shardPath)
	if err != nil {
		log.WithError(err).Error("failed to load shard configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	symbols := cfg.Stream.Symbols
	var clock *binance.ClockProbe
	if cfg.Stream.ValidateSymbol || cfg.Latency.ClockProbe {
		rest := binance.NewRESTClient(cfg.Stream.RestBaseURL, "", 10*time.Second)
		if cfg.Stream.ValidateSymbol {
			valid, unknown, err := binance.ValidateSymbols(ctx, rest, symbols)
			if err != nil {
				log.WithError(err).Warn("exchange info unavailable; keeping configured symbols")
			}
			if len(unknown) > 0 {
				log.WithFields(logger.Fields{"symbols": unknown}).Warn("skipping symbols not trading on the exchange")
			}
			symbols = valid
		}
		if cfg.Latency.ClockProbe {
			clock = binance.NewClockProbe(rest, log)
		}
	}
	if len(symbols) == 0 {
		log.Error("no symbols left to stream")
		os.Exit(1)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		if err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace); err != nil {
			log.WithError(err).Warn("cloudwatch disabled")
		}
	}

	var uploader consolidator.Uploader
	if cfg.Storage.S3.Enabled {
		s3Uploader, err := consolidator.NewS3Uploader(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 uploader")
			os.Exit(1)
		}
		uploader = s3Uploader
	} else {
		log.WithComponent("main").Info("S3 storage disabled; archives stay local")
	}

	p, err := pipeline.New(pipeline.Options{
		Config:   cfg,
		Shards:   shards,
		Symbols:  symbols,
		Uploader: uploader,
		Clock:    clock,
		Log:      log,
	})
	if err != nil {
		log.WithError(err).Error("failed to build pipeline")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
			p.Shutdown(sig.String())
		}
	}()

	err = p.Run(ctx)
	signal.Stop(sigChan)
	if errors.Is(err, pipeline.ErrResourceExhausted) {
		log.WithError(err).Error("depthflow stopped after exhausting its memory budget")
		os.Exit(2)
	}
	if errors.Is(err, shutdown.ErrUnclean) {
		log.WithError(err).Error("depthflow stopped uncleanly")
		os.Exit(1)
	}
	if err != nil {
		log.WithError(err).Error("depthflow stopped with error")
		os.Exit(1)
	}
	log.Info("depthflow stopped")
}
