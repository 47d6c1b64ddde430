// Muse - AI marketing studio dashboard.
//
// Drafts marketing emails, generates images, clones voices and transcribes
// media against a self-hosted inference backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jxucoder/muse"
	"github.com/jxucoder/muse/internal/config"
)

var (
	version    = "dev"
	configPath string
	apiURL     string
)

var rootCmd = &cobra.Command{
	Use:   "muse",
	Short: "Muse - AI marketing studio",
	Long: `Muse drives a self-hosted AI backend for marketing content.

  muse serve                                   Start the dashboard API
  muse email "spring sale for florists"        Stream an email draft
  muse email send --subject S --body B ...     Send a bulk email
  muse image "a lighthouse at dawn"            Generate images
  muse transcribe meeting.mp3                  Transcribe audio or video
  muse clone-voice sample.wav --text "Hi"      Clone a voice
  muse engines                                 Show engine status
  muse tasks                                   List background jobs`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.muse/config.toml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "backend API URL (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize(os.Stderr, ansiRed, "Error: ")+err.Error())
		os.Exit(1)
	}
}

// loadConfig resolves the config file and command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.API.URL = apiURL
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadApp builds the application for a single command. The caller closes it.
func loadApp() (*muse.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	app, err := muse.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return nil, fmt.Errorf("building app: %w", err)
	}
	return app, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
