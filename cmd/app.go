package main

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/codementor/host/internal/api"
	"github.com/codementor/host/internal/config"
	"github.com/codementor/host/internal/logging"
	"github.com/codementor/host/internal/session"
	"github.com/codementor/host/internal/storage"
)

// app is the wired host: config, logger, store, gateway and session.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *storage.SQLiteStore
	client  *api.Client
	session *session.Manager
}

// loadConfig reads the config file and applies flag and environment
// overrides on top. Precedence: flag, env, file, default.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, opts.v)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies every set key from v into cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	fields := []struct {
		key string
		dst *string
	}{
		{"api-base-url", &cfg.APIBaseURL},
		{"token-store", &cfg.TokenStore},
		{"log-level", &cfg.LogLevel},
		{"log-file", &cfg.LogFile},
		{"addr", &cfg.Addr},
		{"workspace", &cfg.Workspace},
		{"chunks-dir", &cfg.ChunksDir},
		{"diff-mode", &cfg.DiffMode},
		{"diff-output", &cfg.DiffOutput},
	}
	for _, s := range fields {
		if val := v.GetString(s.key); val != "" {
			*s.dst = val
		}
	}
	if rate := v.GetFloat64("command-rate"); rate > 0 {
		cfg.CommandRate = rate
	}
}

// newApp wires the host from opts. Callers must call close.
func newApp(opts *globalOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	store, err := storage.NewSQLiteStore(cfg.TokenStore, logger)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("open token store: %w", err)
	}

	client, err := api.NewClient(api.Options{
		BaseURL:        cfg.APIBaseURL,
		AuthTimeout:    cfg.AuthTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         logger,
	})
	if err != nil {
		store.Close()
		logger.Sync()
		return nil, err
	}

	mgr := session.NewManager(store, client, logger)
	client.SetTokenSource(mgr)

	return &app{cfg: cfg, logger: logger, store: store, client: client, session: mgr}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close token store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp runs fn against a freshly wired app.
func withApp(ctx context.Context, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
