package config

import "path/filepath"

// ResolveDataPath converts a config-relative path into an absolute one.
// Absolute input passes through untouched. Relative input resolves
// against the container anchor in container mode, else against the
// directory holding the config file — never against the process cwd.
func ResolveDataPath(path string, ctx PathContext) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return path
	}
	if ctx.IsContainer {
		return filepath.Join(ContainerAnchor, path)
	}
	return filepath.Join(ctx.ConfigDir, path)
}

// ResolveCommandCwd decides where a deploy command executes. The command
// string itself is never rewritten — only its working directory changes
// between native and container mode, so relative arguments inside the
// command (./scripts/deploy.sh ./dist) resolve identically either way.
//
// In native mode cwd is the (container-side, which is simply "the")
// config directory. In container mode cwd is the host-side config
// directory, because the command actually runs on the host via the SSH
// wrapper — the container's own filesystem view is irrelevant to it.
func ResolveCommandCwd(command string, ctx PathContext) (resolvedCommand, cwd string) {
	if ctx.IsContainer {
		return command, ctx.HostConfigDir
	}
	return command, ctx.ConfigDir
}
