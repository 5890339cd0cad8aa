package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "schemas", cfg.SchemaSource)
	assert.NotEmpty(t, cfg.ReloadSchedule)
}

func TestLoad_NoFile_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "http://localhost:8080/v1", cfg.BaseURL)
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
listen: ":9000"
baseUrl: "https://api.data.example/v1"
schemaSource: "s3://schemas/datasets"
profileDir: "/etc/gateway/profiles"
reloadSchedule: "0 * * * *"
corsOrigins:
  - "https://maps.example"
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "https://api.data.example/v1", cfg.BaseURL)
	assert.Equal(t, "s3://schemas/datasets", cfg.SchemaSource)
	assert.Equal(t, "/etc/gateway/profiles", cfg.ProfileDir)
	assert.Equal(t, "0 * * * *", cfg.ReloadSchedule)
	assert.Equal(t, []string{"https://maps.example"}, cfg.CORSOrigins)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTemp(t, `baseUrl: "https://file.example/v1"`)
	t.Setenv("BASE_URL", "https://env.example/v1")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example/v1", cfg.BaseURL)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTemp(t, "{{not yaml")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RelativeBaseURL_ReturnsError(t *testing.T) {
	path := writeTemp(t, `baseUrl: "/v1"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseUrl")
}

func TestLoad_TrailingSlashTrimmed(t *testing.T) {
	path := writeTemp(t, `baseUrl: "https://api.data.example/v1/"`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.data.example/v1", cfg.BaseURL)
}

func TestResolvePath_EnvVar_TakesPriority(t *testing.T) {
	tmp := writeTemp(t, "listen: ':9000'")
	t.Setenv("GATEWAY_CONFIG", tmp)

	path := ResolvePath()
	assert.Equal(t, tmp, path)
}

func TestResolvePath_NoEnvVar_FallsBackToDefault(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG", "")

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "gateway.yaml")
	os.WriteFile(yamlPath, []byte("listen: ':9000'"), 0o644)

	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "gateway.yaml", path)
}

func TestResolvePath_NoEnvVar_NoFile_ReturnsEmpty(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG", "")

	dir := t.TempDir()
	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "", path)
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	f.Close()
	return f.Name()
}
