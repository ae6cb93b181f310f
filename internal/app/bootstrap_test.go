package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawtrack/internal/config"
)

func TestOpenSeedsDefaultsOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env, err := Open(ctx, Options{Workspace: dir, Stderr: io.Discard})
	require.NoError(t, err)
	stages, err := env.Engine.ListStages(ctx)
	require.NoError(t, err)
	require.Len(t, stages, 5)
	assert.Equal(t, "Intake", stages[0].Name)
	users, err := env.Engine.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.NoError(t, env.Close())

	env, err = Open(ctx, Options{Workspace: dir, Stderr: io.Discard})
	require.NoError(t, err)
	defer env.Close()
	stages, err = env.Engine.ListStages(ctx)
	require.NoError(t, err)
	assert.Len(t, stages, 5)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := `office:
  name: Smith & Co
  code_prefix: SMC
stages:
  - name: Only
    order: 1
    approval_policy: single
users:
  - id: root
    role: admin
  - id: lee
    role: lawyer
`
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))
	env, err := Open(context.Background(), Options{Workspace: dir, Stderr: io.Discard})
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, "SMC", env.Config.Office.CodePrefix)
	stages, err := env.Engine.ListStages(context.Background())
	require.NoError(t, err)
	require.Len(t, stages, 1)
	users, err := env.Engine.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "json"
	var buf bytes.Buffer
	logger, err := NewLogger(cfg, &buf, "debug")
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = NewLogger(cfg, &buf, "loud")
	assert.Error(t, err)
}

func TestJWTSecret(t *testing.T) {
	cfg := config.Default()
	t.Setenv(cfg.Auth.JWTSecretEnv, " s3cret ")
	assert.Equal(t, "s3cret", JWTSecret(cfg))
	cfg.Auth.JWTSecretEnv = ""
	assert.Empty(t, JWTSecret(cfg))
}
