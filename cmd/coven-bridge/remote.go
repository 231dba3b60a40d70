// ABOUTME: Client subcommands that talk to a running coven-bridge control API
// ABOUTME: Covers gateway status, health, lifecycle, raw rpc calls and the event stream

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-bridge/internal/api"
	"github.com/2389/coven-bridge/internal/bridge"
)

// client builds an API client from flags and config.
func (g *globals) client() (*api.Client, error) {
	addr := g.addr
	if addr == "" {
		cfg, err := g.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Addr
	}
	return api.NewClient(addr, g.resolveToken()), nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func statusColor(s bridge.Status) *color.Color {
	switch s {
	case bridge.StatusRunning:
		return color.New(color.FgGreen)
	case bridge.StatusCrashed:
		return color.New(color.FgRed, color.Bold)
	case bridge.StatusStarting, bridge.StatusStopping:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printInfo(w io.Writer, info bridge.Info) {
	fmt.Fprint(w, "status:   ")
	statusColor(info.Status).Fprintln(w, info.Status)
	if info.PID != 0 {
		fmt.Fprintf(w, "pid:      %d\n", info.PID)
	}
	if !info.StartedAt.IsZero() {
		fmt.Fprintf(w, "uptime:   %s\n", time.Since(info.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(w, "restarts: %d\n", info.Restarts)
	fmt.Fprintf(w, "pending:  %d\n", info.Pending)
}

func newStatusCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the gateway supervisor status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			info, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), info)
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ping the gateway through the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if !h.OK {
				msg := "no detail"
				if h.Error != nil {
					msg = h.Error.Error()
				}
				return fmt.Errorf("unhealthy: %s", msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "healthy (%dms)", h.LatencyMs)
			if h.Version != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " version %s", h.Version)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}

func newLifecycleCmd(g *globals, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var info bridge.Info
			switch op {
			case "start":
				info, err = c.Start(cmd.Context())
			case "stop":
				info, err = c.Stop(cmd.Context())
			default:
				info, err = c.Restart(cmd.Context())
			}
			if err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newRPCCmd(g *globals) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:     "rpc METHOD [PARAMS_JSON]",
		Short:   "Call a gateway method",
		Example: "  coven-bridge rpc ping\n  coven-bridge rpc echo '{\"x\":1}'",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params must be valid JSON")
				}
				params = json.RawMessage(args[1])
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			res, err := c.RPC(cmd.Context(), args[0], params, timeout)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%s failed", args[0])
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "call timeout (server default when zero)")
	return cmd
}

func newEventsCmd(g *globals) *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream gateway events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return c.Events(cmd.Context(), kinds, func(ev api.StreamEvent) {
				fmt.Fprintf(out, "%s %s %s\n",
					color.HiBlackString(time.Now().Format("15:04:05")),
					color.CyanString(ev.Name),
					strings.TrimSpace(string(ev.Data)))
			})
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "event kinds to follow (status, message, notification, channel:status, chat:message, exit, error)")
	return cmd
}
