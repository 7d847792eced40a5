package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-puppeteer/internal/config"
)

const defaultConfigPath = "config/puppet.yaml"

// Version is the application version.
const Version = "0.1.0"

var (
	configPath string
	envFiles   []string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:     "puppetd",
	Short:   "Drives a holistic landmark detector from a looping video source",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env values fill in PUPPET_* overrides before the config is read
		return config.LoadDotEnv(envFiles...)
	},
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load (missing files are ignored)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (overrides log.level)")

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
}
