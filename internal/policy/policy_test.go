package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coveriteam/internal/cfgerr"
)

type location string

func (l location) ArchiveLocation() string { return string(l) }

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCheckAllowedLocations(t *testing.T) {
	allowed := []string{"https://example.com/"}
	require.NoError(t, CheckAllowedLocations(allowed, "https://example.com/tool.zip"))

	err := CheckAllowedLocations(allowed, "https://evil.com/tool.zip")
	ce, ok := cfgerr.As(err)
	require.True(t, ok, "expected config error, got %v", err)
	assert.Equal(t, cfgerr.PolicyViolation, ce.Kind)
	assert.Equal(t, "https://evil.com/tool.zip", ce.Location)
	assert.Contains(t, err.Error(), "https://evil.com/tool.zip")
}

func TestCheckAllowedLocationsEmptyListRejects(t *testing.T) {
	err := CheckAllowedLocations(nil, "https://anything/")
	assert.True(t, cfgerr.Is(err, cfgerr.PolicyViolation))
}

func TestCheckAllowedLocationsMatchesPrefixOnly(t *testing.T) {
	allowed := []string{"https://example.com/tools/"}
	err := CheckAllowedLocations(allowed, "https://mirror.net/https://example.com/tools/x.zip")
	assert.True(t, cfgerr.Is(err, cfgerr.PolicyViolation))
}

func TestCheckAllowedLocationsQuotesMeta(t *testing.T) {
	allowed := []string{"https://example.com/a.b/"}
	err := CheckAllowedLocations(allowed, "https://example.com/aXb/tool.zip")
	assert.True(t, cfgerr.Is(err, cfgerr.PolicyViolation))
	assert.NoError(t, CheckAllowedLocations(allowed, "https://example.com/a.b/tool.zip"))
}

func TestLoadWithoutPathOrEnv(t *testing.T) {
	t.Setenv(EnvVar, "")
	p, err := Load("")
	require.NoError(t, err)
	assert.False(t, p.Restricted())
}

func TestLoadFallsBackToEnv(t *testing.T) {
	path := writePolicy(t, "allowed_locations:\n  - https://zenodo.org/\n")
	t.Setenv(EnvVar, path)
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://zenodo.org/"}, p.AllowedLocations)
	assert.Equal(t, path, p.Source)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writePolicy(t, "allowed_locations: [oops\n")
	_, err := Load(path)
	ce, ok := cfgerr.As(err)
	require.True(t, ok, "expected config error, got %v", err)
	assert.Equal(t, cfgerr.PolicyYAML, ce.Kind)
	assert.Equal(t, 203, ce.Code())
}

func TestCheckCompliance(t *testing.T) {
	restricted := writePolicy(t, "allowed_locations:\n  - https://example.com/\n")
	unrestricted := writePolicy(t, "other_setting: true\n")

	assert.NoError(t, CheckCompliance(location("https://example.com/x.zip"), restricted))
	assert.True(t, cfgerr.Is(CheckCompliance(location("https://evil.com/x.zip"), restricted), cfgerr.PolicyViolation))
	assert.NoError(t, CheckCompliance(location("https://evil.com/x.zip"), unrestricted))
}
