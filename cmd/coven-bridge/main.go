// ABOUTME: Entry point for coven-bridge, the desktop gateway supervisor
// ABOUTME: Defines the cobra command tree plus the serve and token commands

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-bridge/internal/app"
	"github.com/2389/coven-bridge/internal/auth"
	"github.com/2389/coven-bridge/internal/config"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                    _          _     _
  ___ _____   _____ _ __        | |__  _ __(_) __| | __ _  ___
 / __/ _ \ \ / / _ \ '_ \ _____| '_ \| '__| |/ _' |/ _' |/ _ \
| (_| (_) \ V /  __/ | | |_____| |_) | |  | | (_| | (_| |  __/
 \___\___/ \_/ \___|_| |_|     |_.__/|_|  |_|\__,_|\__, |\___|
                                                    |___/
`

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	addr       string
	token      string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "coven-bridge",
		Short:         "Supervise the coven gateway and manage provider credentials",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", config.DefaultPath(), "config file (yaml or toml)")
	root.PersistentFlags().StringVar(&g.addr, "addr", "", "control API address (defaults to api.addr from config)")
	root.PersistentFlags().StringVar(&g.token, "token", "", "bearer token (defaults to COVEN_BRIDGE_TOKEN or the saved token file)")

	root.AddCommand(
		newServeCmd(g),
		newTokenCmd(g),
		newStatusCmd(g),
		newHealthCmd(g),
		newLifecycleCmd(g, "start", "Start the gateway"),
		newLifecycleCmd(g, "stop", "Stop the gateway"),
		newLifecycleCmd(g, "restart", "Restart the gateway"),
		newRPCCmd(g),
		newEventsCmd(g),
		newProvidersCmd(g),
	)
	return root
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func (g *globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// tokenPath is where `token --save` writes and clients read the token.
func (g *globals) tokenPath() string {
	return filepath.Join(filepath.Dir(g.configPath), "bridge.token")
}

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and supervise the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g)
		},
	}
}

func runServe(ctx context.Context, g *globals) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if g.addr != "" {
		cfg.API.Addr = g.addr
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", g.configPath)
	green.Print("    ▶ ")
	fmt.Printf("API:       %s\n", cfg.API.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   ")
	if cfg.Gateway.Command == "" {
		gray.Print("(not configured)")
	} else {
		cyan.Print(cfg.Gateway.Command)
		gray.Printf(" [%s]", cfg.Gateway.Transport)
		if cfg.Gateway.Autostart {
			yellow.Print(" autostart")
		}
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting coven-bridge",
		"config", g.configPath,
		"api_addr", cfg.API.Addr,
		"transport", cfg.Gateway.Transport,
	)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	return a.Run(ctx)
}

func newTokenCmd(g *globals) *cobra.Command {
	var (
		subject string
		scope   string
		ttl     time.Duration
		save    bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return fmt.Errorf("api.jwt_secret not configured in %s", g.configPath)
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			sc, err := auth.ParseScope(scope)
			if err != nil {
				return err
			}
			token, err := auth.NewJWTVerifier([]byte(cfg.API.JWTSecret)).Generate(subject, sc, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			if !save {
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}
			path := g.tokenPath()
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
				return fmt.Errorf("writing token file: %w", err)
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Saved %s token: %s\n", sc, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "desktop", "token subject")
	cmd.Flags().StringVar(&scope, "scope", string(auth.ScopeControl), "token scope: read|control")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "write the token next to the config file instead of printing it")
	return cmd
}

// resolveToken picks the bearer token: flag, then env, then the saved file.
func (g *globals) resolveToken() string {
	if g.token != "" {
		return g.token
	}
	if t := os.Getenv("COVEN_BRIDGE_TOKEN"); t != "" {
		return t
	}
	data, err := os.ReadFile(g.tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
