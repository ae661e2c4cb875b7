package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// Run is the CLI entrypoint used by cmd/beacon.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	// Real environment variables win over .env entries.
	envFile := EnvString("BEACON_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("app: load %s: %w", envFile, err)
	}

	cfg := LoadConfig()
	log, closer := NewLogger(cfg)
	defer func() { _ = closer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		return err
	}

	return a.Run(ctx)
}
