package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/customsportal/portal/cmd/presence-sweeper/config"
	"github.com/customsportal/portal/cmd/presence-sweeper/server"
)

var (
	version   = "dev" // overridden by -ldflags "-X main.version=..."
	buildTime = "unknown"
)

// VersionFlag prints the version and exits
type VersionFlag bool

// BeforeApply implements kong's hook
func (v VersionFlag) BeforeApply(app *kong.Kong, vars kong.Vars) error {
	fmt.Println(vars["version"])
	app.Exit(0)
	return nil
}

// CLI command-line interface
type CLI struct {
	Version   VersionFlag   `help:"Print version and exit." short:"v"`
	Config    string        `help:"Config file." short:"f" default:"configs/presence-sweeper.yaml" env:"SWEEPER_CONFIG"`
	Once      bool          `help:"Run a single sweep and exit." env:"SWEEPER_ONCE"`
	Threshold time.Duration `help:"Override Sweep.Threshold, e.g. 10m." env:"SWEEPER_THRESHOLD"`
}

// Validate is called by kong after parsing
func (c *CLI) Validate() error {
	if c.Threshold < 0 {
		return fmt.Errorf("--threshold must be positive")
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	kong.Parse(&cli,
		kong.Name("presence-sweeper"),
		kong.Description("Demotes stale presence sessions in the shared session store."),
		kong.Vars{"version": version},
	)

	cfg, found, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.WithThreshold(cli.Threshold).Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting presence sweeper",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("config", cli.Config),
		zap.Bool("config_found", found))

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if cli.Once {
		result, err := srv.RunOnce(context.Background())
		srv.Stop()
		if err != nil {
			logger.Fatal("Sweep failed", zap.Int("demoted", result.Demoted), zap.Error(err))
		}
		logger.Info("Sweep complete",
			zap.Int("scanned", result.Scanned),
			zap.Int("demoted", result.Demoted),
			zap.Duration("duration", result.Duration))
		return
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal", zap.String("signal", sig.String()))

	srv.Stop()
	logger.Info("Presence sweeper shutdown complete")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}
