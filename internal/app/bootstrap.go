package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"lawtrack/internal/config"
	"lawtrack/internal/db"
	"lawtrack/internal/engine"
	"lawtrack/internal/migrate"
)

// SystemActor is recorded on events written during bootstrap.
const SystemActor = "system"

type Options struct {
	Workspace string
	// LogLevel overrides logging.level from the config when set.
	LogLevel string
	// Stderr receives log output; os.Stderr when nil.
	Stderr io.Writer
}

// Env is an opened workspace: migrated database, loaded config and a ready
// engine.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *slog.Logger
}

func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

// Open loads lawtrack.yml (falling back to defaults), migrates the database
// and seeds stages and users declared in the config.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	logger, err := NewLogger(cfg, stderr, opts.LogLevel)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	version, err := migrate.Apply(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "path", db.Path(opts.Workspace), "schema_version", version)

	e, err := engine.New(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := Seed(ctx, e, cfg, logger); err != nil {
		conn.Close()
		return nil, err
	}
	return &Env{DB: conn, Config: cfg, Engine: e, Logger: logger}, nil
}

// Seed applies the config's stage and user seeds. Stages are only seeded
// into an empty registry; users already in the directory are left alone.
func Seed(ctx context.Context, e engine.Engine, cfg *config.Config, logger *slog.Logger) error {
	users, err := e.SeedUsers(ctx, cfg.Users, SystemActor)
	if err != nil {
		return err
	}
	stages, err := e.SeedStages(ctx, cfg.Stages, SystemActor)
	if err != nil {
		return err
	}
	if users > 0 || stages > 0 {
		logger.Info("workspace seeded", "users", users, "stages", stages)
	}
	return nil
}

// NewLogger builds the process logger from logging.level and logging.format.
func NewLogger(cfg *config.Config, w io.Writer, levelOverride string) (*slog.Logger, error) {
	name := levelOverride
	if name == "" && cfg != nil {
		name = cfg.Logging.Level
	}
	var level slog.Level
	switch strings.ToLower(name) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", name)
	}
	hopts := &slog.HandlerOptions{Level: level}
	format := ""
	if cfg != nil {
		format = cfg.Logging.Format
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	}
	return slog.New(slog.NewTextHandler(w, hopts)), nil
}

// JWTSecret reads the signing secret from the environment variable named by
// auth.jwt_secret_env.
func JWTSecret(cfg *config.Config) string {
	if cfg == nil || cfg.Auth.JWTSecretEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(cfg.Auth.JWTSecretEnv))
}
