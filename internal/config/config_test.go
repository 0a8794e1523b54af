package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadServerResolvesRelativeUploadPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
token: top-level-secret
port: 9090
environments:
  staging:
    upload_path: ./staging-uploads
    deploy_command: "./deploy.sh"
`)

	srv, err := LoadServer(path)
	require.NoError(t, err)

	env, ok := srv.Environments["staging"]
	require.True(t, ok)
	assert.True(t, filepath.IsAbs(env.UploadPath))
	assert.Equal(t, filepath.Join(dir, "staging-uploads"), env.UploadPath)
	assert.Equal(t, "top-level-secret", env.Token)
	assert.Equal(t, 9090, srv.Port)
}

func TestLoadServerEnvTokenOverridesTopLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
token: top-level-secret
environments:
  prod:
    token: prod-only-secret
    upload_path: /srv/prod
`)

	srv, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, "prod-only-secret", srv.Environments["prod"].Token)
}

func TestLoadServerMissingTokenFails(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
environments:
  prod:
    upload_path: /srv/prod
`)

	_, err := LoadServer(path)
	assert.Error(t, err)
}

func TestLoadServerDefaultPort(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
token: secret
environments: {}
`)

	srv, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, srv.Port)
}

func TestResolveDataPathAbsolutePassesThrough(t *testing.T) {
	ctx := PathContext{ConfigDir: "/etc/fde"}
	assert.Equal(t, "/var/data/x", ResolveDataPath("/var/data/x", ctx))
}

func TestResolveDataPathContainerModeUsesAnchor(t *testing.T) {
	ctx := PathContext{IsContainer: true, ConfigDir: "/etc/fde"}
	assert.Equal(t, filepath.Join(ContainerAnchor, "dist"), ResolveDataPath("dist", ctx))
}

func TestResolveCommandCwdNativeUsesConfigDir(t *testing.T) {
	ctx := PathContext{ConfigDir: "/srv/app"}
	cmd, cwd := ResolveCommandCwd("./deploy.sh", ctx)
	assert.Equal(t, "./deploy.sh", cmd)
	assert.Equal(t, "/srv/app", cwd)
}

func TestResolveCommandCwdContainerUsesHostConfigDir(t *testing.T) {
	ctx := PathContext{IsContainer: true, ConfigDir: "/app", HostConfigDir: "/home/op/app"}
	cmd, cwd := ResolveCommandCwd("./deploy.sh", ctx)
	assert.Equal(t, "./deploy.sh", cmd)
	assert.Equal(t, "/home/op/app", cwd)
}

func TestLoadServerContainerModeRequiresHostConfigDir(t *testing.T) {
	t.Setenv(EnvContainerMarker, "true")
	t.Setenv(EnvHostConfigDir, "")

	dir := t.TempDir()
	path := writeConfig(t, dir, `
token: secret
environments:
  prod:
    upload_path: /srv/prod
`)

	_, err := LoadServer(path)
	assert.Error(t, err)
}
