// Package main is the cortexlive command: the live avatar client and its
// local control surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/normanking/cortexlive/internal/app"
	"github.com/normanking/cortexlive/internal/audio"
	"github.com/normanking/cortexlive/internal/backend"
	"github.com/normanking/cortexlive/internal/config"
	"github.com/normanking/cortexlive/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version information (set at build time)
var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "cortexlive",
		Short: "Live streaming avatar client",
		Long: `cortexlive negotiates a live avatar session with the session backend,
relays chat and voice replies for the avatar to speak, and transcribes the
microphone in short chunks. It is driven through a local HTTP control surface.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.cortexlive/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the client and its control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			source := audio.NewMalgoSource(zerolog.Nop())
			defer source.Close()

			devices, err := source.Devices(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			if len(devices) == 0 {
				fmt.Println("No input devices found.")
				return nil
			}
			for _, d := range devices {
				marker := " "
				if d.Default {
					marker = "*"
				}
				fmt.Printf("%s %-40s %s\n", marker, d.Name, d.ID)
			}
			return nil
		},
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the session backend is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(configPath).Load()
			if err != nil {
				return err
			}
			client := backend.NewClient(&backend.ClientConfig{
				BaseURL:    cfg.Backend.BaseURL,
				Timeout:    10 * time.Second,
				AnswerMode: cfg.Backend.AnswerMode,
			}, zerolog.Nop())

			result, err := client.Ping(cmd.Context())
			if err != nil {
				return err
			}
			transcription := "not advertised"
			if result.TranscriptionKnown {
				transcription = fmt.Sprintf("%t", result.Transcription)
			}
			fmt.Printf("%s: http %d status %q transcription %s\n",
				cfg.Backend.BaseURL, result.HTTPStatus, result.Status, transcription)
			return nil
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(configPath)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if file := loader.ConfigFile(); file != "" {
				fmt.Printf("# %s\n", file)
			}
			fmt.Print(string(out))
			return nil
		},
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				dir, err := config.GetConfigDir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, "config.yaml")
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configInitCmd)

	rootCmd.AddCommand(serveCmd, devicesCmd, pingCmd, configCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, configPath string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	syslog, err := logging.New(app.LoggingConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer syslog.Close()

	if file := loader.ConfigFile(); file != "" {
		syslog.Info("config", "Configuration loaded", map[string]interface{}{"file": file})
	} else {
		syslog.Info("config", "No config file found, using defaults", nil)
	}

	a, err := app.New(app.Options{
		Config: cfg,
		Logger: syslog,
		Loader: loader,
	})
	if err != nil {
		syslog.Error("main", "Failed to build application", err, nil)
		return err
	}
	return a.Run(ctx)
}
