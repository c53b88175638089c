// Command toolbroker serves the tool-call broker over stdio.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonwraymond/toolbroker/auth"
	"github.com/jonwraymond/toolbroker/broker"
	"github.com/jonwraymond/toolbroker/registry"
	"github.com/jonwraymond/toolbroker/semantic"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "toolbroker",
		Short:         "MCP tool-call broker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		profile  string
		indexDir string
		alpha    float64
		debug    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the broker over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			profilePath := profile
			if profilePath == "" {
				profilePath = registry.DefaultProfilePath("default")
			}
			reg, err := registry.LoadProfile(profilePath)
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}

			if indexDir == "" {
				indexDir = filepath.Join(xdg.CacheHome, "toolbroker", "index")
			}

			tokenPath, err := auth.DefaultTokenPath()
			if err != nil {
				return fmt.Errorf("resolve token path: %w", err)
			}
			tokens, err := auth.NewTokenProvider(auth.ProviderOptions{
				Store:  auth.NewFileStore(tokenPath),
				Logger: logger,
			})
			if err != nil {
				return err
			}

			b, err := broker.New(broker.Options{
				Registry:      reg,
				Embedder:      &semantic.HashEmbedder{},
				IndexDir:      indexDir,
				ToolCache:     registry.NewToolListCache(registry.DefaultToolCachePath()),
				Tokens:        tokens,
				LexicalAlpha:  alpha,
				ServerVersion: version,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := b.Start(ctx); err != nil {
				return fmt.Errorf("start broker: %w", err)
			}
			return broker.ServeStdio(ctx, b, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "profile JSON path (default: the \"default\" profile)")
	cmd.Flags().StringVar(&indexDir, "index-dir", "", "directory for the discovery index")
	cmd.Flags().Float64Var(&alpha, "lexical-alpha", 0, "blend weight for keyword scoring (0 disables)")
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose logging")
	return cmd
}

func buildLogger(debug bool) (*zap.Logger, error) {
	// stdout carries the JSON-RPC stream; logs go to stderr.
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
