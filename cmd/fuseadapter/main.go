// Command fuseadapter mounts one or more object-storage connectors as
// local FUSE filesystems, per a YAML configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/objectfs/fuseadapter/internal/adapter"
	"github.com/objectfs/fuseadapter/internal/config"
	"github.com/objectfs/fuseadapter/pkg/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the mount configuration YAML file")
	logLevel := flag.String("log-level", "", "override the config file's logging.level")
	logFormat := flag.String("log-format", "", "override the config file's logging.format (text|json)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "fuseadapter: -config is required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fuseadapter: %v\n", err)
		return 1
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "fuseadapter: invalid configuration: %v\n", err)
		return 1
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fuseadapter: %v\n", err)
		return 1
	}

	sup, err := adapter.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build supervisor", map[string]interface{}{"error": err.Error()})
		return 1
	}

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start any mount", map[string]interface{}{"error": err.Error()})
		return 1
	}
	if err := sup.StartMetrics(); err != nil {
		logger.Error("failed to start metrics endpoint", map[string]interface{}{"error": err.Error()})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", map[string]interface{}{"signal": sig.String()})
	case <-done:
		logger.Info("all mounts exited on their own", nil)
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)

	<-done
	logger.Info("shutdown complete", nil)
	return 0
}

func buildLogger(lc config.LoggingConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	format := utils.FormatText
	if lc.Format == "json" {
		format = utils.FormatJSON
	}

	scfg := utils.DefaultStructuredLoggerConfig()
	scfg.Level = level
	scfg.Format = format

	if lc.File != "" && lc.Rotation != nil {
		scfg.Rotation = &utils.RotationConfig{
			Filename:   lc.File,
			MaxSize:    lc.Rotation.MaxSizeMB,
			MaxAge:     lc.Rotation.MaxAgeDays,
			MaxBackups: lc.Rotation.MaxBackups,
			Compress:   lc.Rotation.Compress,
		}
	} else if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging.file: %w", err)
		}
		scfg.Output = f
	}

	return utils.NewStructuredLogger(scfg)
}
