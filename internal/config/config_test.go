package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "TSK", cfg.Office.CodePrefix)
	assert.Equal(t, EligibilityAnyNonAssignee, cfg.Approvals.PrincipalEligibility)
	require.Len(t, cfg.Stages, 5)
	assert.Equal(t, "admin_only", cfg.Stages[3].ApprovalPolicy)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "admin", cfg.Users[0].Role)
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte("office:\n  code_prefix: MAT\n"))
	require.NoError(t, err)
	assert.Equal(t, "MAT", cfg.Office.CodePrefix)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "LAWTRACK_JWT_SECRET", cfg.Auth.JWTSecretEnv)
	// Seeds are replaced wholesale, never merged with the defaults.
	assert.Empty(t, cfg.Stages)
	assert.Empty(t, cfg.Users)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"lowercase prefix", "office:\n  code_prefix: tsk\n", "code_prefix"},
		{"relative base path", "server:\n  base_path: v1\n", "base_path"},
		{"log level", "logging:\n  level: loud\n", "logging.level"},
		{"log format", "logging:\n  format: xml\n", "logging.format"},
		{"eligibility", "approvals:\n  principal_eligibility: anyone\n", "principal_eligibility"},
		{"reviewer roles required", "approvals:\n  principal_eligibility: reviewer_roles\n  reviewer_roles: []\n", "reviewer_roles"},
		{"unknown reviewer role", "approvals:\n  reviewer_roles: [partner]\n", "unknown role"},
		{"stage order", "stages:\n  - name: A\n    order: 0\n    approval_policy: single\n", "order must be positive"},
		{"duplicate order", "stages:\n  - name: A\n    order: 1\n    approval_policy: single\n  - name: B\n    order: 1\n    approval_policy: single\n", "share order"},
		{"stage policy", "stages:\n  - name: A\n    order: 1\n    approval_policy: everyone\n", "approval_policy"},
		{"user role", "users:\n  - id: bob\n    role: intern\n", "unknown role"},
		{"webhook url", "webhooks:\n  - events: [approval.granted]\n", "url is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Stages, 5)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "lawtrack.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Stages, 5)

	cfg, err = FromFile(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, "Law Office", cfg.Office.Name)
}
