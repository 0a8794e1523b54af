// Package config resolves on-disk/environment configuration into the
// immutable, pre-validated shape the rest of fde operates on. Nothing in
// this package is stateful — a *Server or *Client is pure
// data once LoadServer/LoadClient return.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Defaults mirror the teacher's DefaultConfig-style tunables; chunk size
// and concurrency are open questions per spec.md §9 — kept as package
// constants rather than invented per-environment settings.
const (
	DefaultChunkSize   = 1 << 20 // 1 MiB
	DefaultConcurrency = 3
	DefaultCooldown    = 5 // seconds
	DefaultPort        = 8420

	// ContainerAnchor is the fixed in-container anchor data paths resolve
	// against when the server runs inside a container (§4.1).
	ContainerAnchor = "/app"

	// ContainerSSHKeyPath is the fixed identity file location inside the
	// container, used for the host-proxied SSH wrapper (§6).
	ContainerSSHKeyPath = "/etc/fde/ssh_key"
)

// Env vars consulted directly (beyond viper's AutomaticEnv binding of the
// config keys themselves). These are the "external collaborator" surface
// §6 calls out for container mode.
const (
	EnvContainerMarker = "FDE_CONTAINER"
	EnvHostConfigDir   = "FDE_HOST_CONFIG_DIR"
	EnvSSHHost         = "FDE_SSH_HOST"
	EnvSSHUser         = "FDE_SSH_USER"
	EnvSSHPort         = "FDE_SSH_PORT"
)

// EnvironmentConfig is one named deployment target as read from disk,
// before path resolution. Fields are a superset of what client and server
// each use; a field irrelevant to one side is simply left zero there.
type EnvironmentConfig struct {
	ServerURL      string   `mapstructure:"server_url" yaml:"server_url"`
	Token          string   `mapstructure:"token" yaml:"token"`
	LocalPath      string   `mapstructure:"local_path" yaml:"local_path"`
	UploadPath     string   `mapstructure:"upload_path" yaml:"upload_path"`
	DeployCommand  string   `mapstructure:"deploy_command" yaml:"deploy_command"`
	BuildCommand   string   `mapstructure:"build_command" yaml:"build_command"`
	Exclude        []string `mapstructure:"exclude" yaml:"exclude"`
	ShouldExtract  bool     `mapstructure:"extract" yaml:"extract"`
}

// RawConfig is the on-disk shape for both client and server config files;
// the two differ only in which fields each side populates per environment.
type RawConfig struct {
	Token        string                        `mapstructure:"token" yaml:"token"`
	ServerURL    string                        `mapstructure:"server_url" yaml:"server_url"`
	Port         int                           `mapstructure:"port" yaml:"port"`
	Environments map[string]EnvironmentConfig  `mapstructure:"environments" yaml:"environments"`
}

// Environment is a fully resolved environment: every path field is
// absolute, and the token fallback chain has already been applied.
type Environment struct {
	Name          string
	ServerURL     string
	Token         string
	LocalPath     string // client only
	UploadPath    string // server only
	DeployCommand string
	BuildCommand  string // client only
	Exclude       []string
	ShouldExtract bool
}

// PathContext carries the two anchors path resolution needs: the
// container-side anchor data paths resolve against, and the host-side
// config directory commands actually execute in. Keeping both explicit in
// one struct is deliberate (spec.md §9) — it is the single place the
// native/container split is visible.
type PathContext struct {
	IsContainer   bool
	ConfigDir     string // directory containing the config file (container-side)
	HostConfigDir string // host-visible config dir, container mode only
}

// Server is the fully resolved server-side configuration.
type Server struct {
	Port         int
	Token        string
	Environments map[string]Environment
	ChunkRoot    string
	PathCtx      PathContext
	SSHHost      string
	SSHUser      string
	SSHPort      int
}

// Client is the fully resolved client-side configuration.
type Client struct {
	ServerURL    string
	Token        string
	Environments map[string]Environment
	ConfigDir    string
}

// DetectContainerMode follows the same "well-known marker" convention as
// the rest of the container-tooling pack (e.g. /.dockerenv, or an explicit
// override env var for environments where that file is suppressed).
func DetectContainerMode() bool {
	if v := os.Getenv(EnvContainerMarker); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// LoadServer reads and resolves the server configuration at path.
func LoadServer(path string) (*Server, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var raw RawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("config: failed to decode %s: %w", path, err)
	}

	configDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: failed to resolve config directory: %w", err)
	}

	isContainer := DetectContainerMode()

	pathCtx := PathContext{
		IsContainer: isContainer,
		ConfigDir:   configDir,
	}

	if isContainer {
		hostDir := os.Getenv(EnvHostConfigDir)
		if hostDir == "" {
			return nil, fmt.Errorf("config: %s is required in container mode", EnvHostConfigDir)
		}
		pathCtx.HostConfigDir = hostDir
	}

	environments := make(map[string]Environment, len(raw.Environments))
	for name, ec := range raw.Environments {
		token := ec.Token
		if token == "" {
			token = raw.Token
		}
		if token == "" {
			return nil, fmt.Errorf("config: environment %q has no token and no top-level fallback", name)
		}

		uploadPath := ResolveDataPath(ec.UploadPath, pathCtx)

		environments[name] = Environment{
			Name:          name,
			ServerURL:     firstNonEmpty(ec.ServerURL, raw.ServerURL),
			Token:         token,
			UploadPath:    uploadPath,
			DeployCommand: ec.DeployCommand,
			Exclude:       ec.Exclude,
			ShouldExtract: ec.ShouldExtract,
		}
	}

	port := raw.Port
	if port == 0 {
		port = DefaultPort
	}

	srv := &Server{
		Port:         port,
		Token:        raw.Token,
		Environments: environments,
		ChunkRoot:    filepath.Join(os.TempDir(), "fde-chunks"),
		PathCtx:      pathCtx,
	}

	if isContainer {
		srv.SSHHost = os.Getenv(EnvSSHHost)
		srv.SSHUser = os.Getenv(EnvSSHUser)
		srv.SSHPort = 22
		if p := os.Getenv(EnvSSHPort); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				srv.SSHPort = n
			}
		}
	}

	return srv, nil
}

// LoadClient reads and resolves the client configuration at path.
func LoadClient(path string) (*Client, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var raw RawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("config: failed to decode %s: %w", path, err)
	}

	configDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: failed to resolve config directory: %w", err)
	}

	pathCtx := PathContext{ConfigDir: configDir}

	environments := make(map[string]Environment, len(raw.Environments))
	for name, ec := range raw.Environments {
		token := ec.Token
		if token == "" {
			token = raw.Token
		}
		if token == "" {
			return nil, fmt.Errorf("config: environment %q has no token and no top-level fallback", name)
		}

		localPath := ec.LocalPath
		if localPath == "" {
			localPath = "."
		}
		localPath = ResolveDataPath(localPath, pathCtx)

		environments[name] = Environment{
			Name:          name,
			ServerURL:     firstNonEmpty(ec.ServerURL, raw.ServerURL),
			Token:         token,
			LocalPath:     localPath,
			DeployCommand: ec.DeployCommand,
			BuildCommand:  ec.BuildCommand,
			Exclude:       ec.Exclude,
			ShouldExtract: ec.ShouldExtract,
		}
	}

	return &Client{
		ServerURL:    raw.ServerURL,
		Token:        raw.Token,
		Environments: environments,
		ConfigDir:    configDir,
	}, nil
}

// newViper wires up a viper instance that reads path directly and also
// exposes every key as an FDE_-prefixed environment variable, loading an
// adjacent .env file first so container env vars can be set the same way
// in local development.
func newViper(path string) *viper.Viper {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		_ = gotenv.Load(envPath)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
