package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fruworg/fde/internal/config"
	"github.com/fruworg/fde/internal/uploadclient"
)

var (
	configPath string
	noProgress bool
)

var rootCmd = &cobra.Command{
	Use:   "fde",
	Short: "fde client - push deploys to an fde server",
	Long: `fde uploads a local directory or file to an fde server and, if the
target environment has a deploy command configured, triggers it and streams
its output back.

Quick start:
  fde deploy prod                 # archive, upload, and deploy "prod"
  fde ping prod                   # check server reachability
  fde health prod                 # fetch server health/uptime`,
}

var deployCmd = &cobra.Command{
	Use:   "deploy [environment]",
	Short: "Archive, upload, and deploy an environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(args[0])
		if err != nil {
			return err
		}

		result, err := uploadclient.Deploy(context.Background(), env, !noProgress)
		if err != nil {
			return fmt.Errorf("deploy failed: %w", err)
		}
		if !result.Success {
			fmt.Fprintf(os.Stderr, "deploy exited %d\n%s\n", result.ExitCode, result.Stderr)
			os.Exit(1)
		}
		fmt.Println("deploy succeeded")
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping [environment]",
	Short: "Check that the server is reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(args[0])
		if err != nil {
			return err
		}
		resp, err := http.Get(env.ServerURL + "/ping")
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		defer resp.Body.Close()
		fmt.Printf("server responded with status %d\n", resp.StatusCode)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health [environment]",
	Short: "Fetch server health and uptime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment(args[0])
		if err != nil {
			return err
		}
		resp, err := http.Get(env.ServerURL + "/health")
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()
		fmt.Printf("server responded with status %d\n", resp.StatusCode)
		return nil
	},
}

func loadEnvironment(name string) (config.Environment, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return config.Environment{}, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	env, ok := cfg.Environments[name]
	if !ok {
		return config.Environment{}, fmt.Errorf("environment %q is not defined in %s", name, configPath)
	}
	return env, nil
}

func init() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".fde", "config.yaml")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to client config file")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable the upload progress bar")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
