package coveriteamsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coveriteam/internal/config"
	"coveriteam/internal/db"
	"coveriteam/internal/engine"
	"coveriteam/internal/migrate"
	"coveriteam/internal/server"
)

func newClient(t *testing.T, policyFile string) *Client {
	t.Helper()
	t.Setenv("COVERITEAM_POLICY", "")
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default().WithWorkspace(workspace)
	cfg.Policy = policyFile
	e := engine.New(conn, cfg, nil)
	handler, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestClientResolveAndErrors(t *testing.T) {
	c := newClient(t, "")
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yml"), []byte("resourcelimits:\n  memlimit: 1GB\n"), 0o644))
	def := filepath.Join(dir, "actor.yml")
	require.NoError(t, os.WriteFile(def, []byte("imports: !include base.yml\nactor_name: a\n"), 0o644))

	res, err := c.Resolve(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Definition["actor_name"])
	assert.Len(t, res.IncludedFiles, 2)

	_, err = c.Install(ctx, def)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "missing_tags", apiErr.Code)
	assert.Equal(t, 201, apiErr.ExitCode())

	_, err = c.Installation(ctx, "a")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientCheckLocation(t *testing.T) {
	policy := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(policy, []byte("allowed_locations:\n  - https://zenodo.org/\n"), 0o644))
	c := newClient(t, policy)

	report, err := c.CheckLocation(context.Background(), "https://zenodo.org/record/1/a.zip")
	require.NoError(t, err)
	assert.True(t, report.Allowed)

	report, err = c.CheckLocation(context.Background(), "https://evil.com/a.zip")
	require.NoError(t, err)
	assert.False(t, report.Allowed)

	events, err := c.Events(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "policy.violation", events[0].Type)
	assert.Equal(t, "https://evil.com/a.zip", events[0].Subject)
}
