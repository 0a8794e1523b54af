package uploadclient

import (
	"context"
	"fmt"
	"log"

	"github.com/fruworg/fde/internal/config"
	"github.com/fruworg/fde/internal/deploy"
)

// Deploy runs the full client-side pipeline for one environment
// (spec.md §4.5/§7): archive the local path if it's a directory, upload
// it, then trigger and stream the remote deploy command.
func Deploy(ctx context.Context, env config.Environment, showProgress bool) (deploy.TerminalData, error) {
	c := New(env.ServerURL, env.Token)

	uploadPath := env.LocalPath
	isDir, err := isDirectory(uploadPath)
	if err != nil {
		return deploy.TerminalData{}, fmt.Errorf("uploadclient: failed to stat %s: %w", uploadPath, err)
	}

	if isDir {
		archivePath, cleanup, err := BuildArchive(uploadPath, env.Name, env.Exclude, NowMillis())
		if err != nil {
			return deploy.TerminalData{}, err
		}
		defer cleanup()
		uploadPath = archivePath
		log.Printf("[uploadclient] archived %s -> %s", env.LocalPath, archivePath)
	}

	if err := c.UploadFile(ctx, env.Name, uploadPath, env.ShouldExtract, showProgress); err != nil {
		return deploy.TerminalData{}, err
	}

	if env.DeployCommand == "" {
		log.Printf("[uploadclient] %s has no deploy command configured, upload only", env.Name)
		return deploy.TerminalData{Success: true}, nil
	}

	return c.StreamDeploy(ctx, env.Name, func(stream, line string) {
		if stream == "stderr" {
			fmt.Printf("[%s:stderr] %s\n", env.Name, line)
		} else {
			fmt.Printf("[%s] %s\n", env.Name, line)
		}
	})
}
