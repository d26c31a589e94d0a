package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/shipit/internal/config"
	"github.com/cuemby/shipit/internal/log"
	"github.com/cuemby/shipit/internal/pipeline"
	"github.com/cuemby/shipit/internal/registry"
	"github.com/cuemby/shipit/internal/status"
	"github.com/cuemby/shipit/internal/webhook"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "shipit",
	Short:   "shipit - webhook-driven continuous documentation deployment",
	Long:    `shipit listens for code-forge webhooks, builds the affected source tree in a sandbox, and publishes the resulting artifacts to a static-hosting branch.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("shipit version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase logging verbosity one level, repeatable")
	rootCmd.PersistentFlags().CountP("quiet", "q", "Decrease logging verbosity one level, repeatable")
	rootCmd.PersistentFlags().BoolP("silent", "s", false, "Do not log to stdio")
	rootCmd.PersistentFlags().StringP("log", "l", "", "Log to the given file path")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	verbose, _ := rootCmd.PersistentFlags().GetCount("verbose")
	quiet, _ := rootCmd.PersistentFlags().GetCount("quiet")
	silent, _ := rootCmd.PersistentFlags().GetBool("silent")
	logPath, _ := rootCmd.PersistentFlags().GetString("log")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	level := log.InfoLevel
	switch {
	case verbose-quiet >= 1:
		level = log.DebugLevel
	case verbose-quiet <= -2:
		level = log.ErrorLevel
	case verbose-quiet <= -1:
		level = log.WarnLevel
	}

	var writers []io.Writer
	if !silent {
		writers = append(writers, os.Stdout)
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			writers = append(writers, f)
		}
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	log.Init(log.Config{Level: level, JSONOutput: logJSON, Output: out})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("address")
		port, _ := cmd.Flags().GetInt("port")

		cfg, err := config.FromEnviron()
		if err != nil {
			return err
		}

		reg := registry.New()
		pl := pipeline.New(cfg, reg)
		statusClient := status.NewClient(cfg.GitHubToken, "https://api.github.com")
		server := webhook.NewServer(cfg, pl, statusClient)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			bind := fmt.Sprintf("%s:%d", addr, port)
			log.Logger.Info().Str("address", bind).Msg("starting webhook listener")
			errCh <- server.Start(ctx, bind)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("received shutdown signal")
			cancel()
			return <-errCh
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().StringP("address", "a", "", "Bind IP address")
	serveCmd.Flags().IntP("port", "p", 8080, "Bind port number")
}
