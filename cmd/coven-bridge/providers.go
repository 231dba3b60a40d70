// ABOUTME: Provider management subcommands over the control API
// ABOUTME: Keys are accepted from stdin so they stay out of shell history

package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-bridge/internal/api"
	"github.com/2389/coven-bridge/internal/provider"
)

// readKey returns key, or a line from stdin when key is "-".
func readKey(in io.Reader, key string) (string, error) {
	if key != "-" {
		return key, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading key from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newProvidersCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "providers",
		Aliases: []string{"provider"},
		Short:   "Manage model provider configs and keys",
	}
	cmd.AddCommand(
		newProvidersListCmd(g),
		newProvidersSetCmd(g),
		newProvidersDeleteCmd(g),
		newProvidersKeyCmd(g),
		newProvidersDefaultCmd(g),
		newProvidersValidateCmd(g),
	)
	return cmd
}

func newProvidersListCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List providers and whether each has a stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			list, err := c.Providers(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printProviders(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printProviders(out io.Writer, list api.ProviderList) {
	if !list.EncryptionAvailable {
		color.New(color.FgYellow).Fprintln(out, "vault locked: keys cannot be stored until a passphrase is configured")
	}
	if len(list.Providers) == 0 {
		fmt.Fprintln(out, "no providers configured")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tENABLED\tKEY\tDEFAULT")
	for _, p := range list.Providers {
		key := "-"
		if p.HasKey {
			key = "stored"
		}
		def := ""
		if p.ID == list.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", p.ID, p.Type, p.Name, p.Enabled, key, def)
	}
	_ = tw.Flush()
}

func newProvidersSetCmd(g *globals) *cobra.Command {
	var (
		req      api.SaveProviderRequest
		typeName string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:     "set ID",
		Short:   "Create or update a provider",
		Example: "  echo sk-ant-... | coven-bridge providers set anthropic --type anthropic --name Anthropic --key -",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKey(cmd.InOrStdin(), req.APIKey)
			if err != nil {
				return err
			}
			req.APIKey = key
			req.Type = provider.Type(typeName)
			req.Enabled = !disabled
			if req.Name == "" {
				req.Name = args[0]
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			info, err := c.SaveProvider(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "  ✓ Saved %s (key stored: %t)\n", info.ID, info.HasKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "provider type: "+typeList())
	cmd.Flags().StringVar(&req.Name, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringVar(&req.BaseURL, "base-url", "", "endpoint override, required for custom")
	cmd.Flags().StringVar(&req.Model, "model", "", "default model")
	cmd.Flags().StringVar(&req.APIKey, "key", "", "API key, or - to read it from stdin")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "save the provider disabled")
	cmd.Flags().StringToStringVar(&req.Metadata, "meta", nil, "extra metadata as key=value")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func typeList() string {
	names := make([]string, len(provider.Types))
	for i, t := range provider.Types {
		names[i] = string(t)
	}
	return strings.Join(names, "|")
}

func newProvidersDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a provider and its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if err := c.DeleteProvider(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newProvidersKeyCmd(g *globals) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "key ID [KEY|-]",
		Short: "Set or remove the API key of a provider",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if remove {
				if err := c.DeleteAPIKey(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed key for %s\n", args[0])
				return nil
			}
			raw := "-"
			if len(args) == 2 {
				raw = args[1]
			}
			key, err := readKey(cmd.InOrStdin(), raw)
			if err != nil {
				return err
			}
			if err := c.SetAPIKey(cmd.Context(), args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored key for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "delete", false, "remove the stored key")
	return cmd
}

func newProvidersDefaultCmd(g *globals) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "default [ID]",
		Short: "Show, set or clear the default provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if clear && len(args) == 1 {
				return fmt.Errorf("--clear takes no provider id")
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			if clear {
				if err := c.ClearDefault(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared default provider")
				return nil
			}
			if len(args) == 1 {
				return c.SetDefault(cmd.Context(), args[0])
			}
			list, err := c.Providers(cmd.Context())
			if err != nil {
				return err
			}
			if list.Default == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no default provider")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), list.Default)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "unset the default provider")
	return cmd
}

func newProvidersValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate ID|TYPE [KEY|-]",
		Short: "Check a key's format locally (no upstream call)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := "-"
			if len(args) == 2 {
				raw = args[1]
			}
			key, err := readKey(cmd.InOrStdin(), raw)
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			v, err := c.ValidateKey(cmd.Context(), args[0], key)
			if err != nil {
				return err
			}
			if !v.Valid {
				return fmt.Errorf("invalid key: %s", v.Reason)
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "  ✓ key format looks valid")
			return nil
		},
	}
}
