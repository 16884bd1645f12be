package cli

import (
	"bufio"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/autoheal/internal/config"
	"github.com/lucasnoah/autoheal/internal/credentials"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage API keys and platform tokens",
	Long: `Credentials are looked up in the environment, then ./.env and
~/.autoheal/.env, then the OS keyring. ` + "`auth set`" + ` stores into the keyring.`,
}

var authSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a credential in the OS keyring (value read from stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := newCredentials()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Value for %s: ", args[0])
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read value: %w", err)
		}
		if err := creds.Set(args[0], strings.TrimSpace(line)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in the keyring.\n", args[0])
		return nil
	},
}

var authRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a credential from the OS keyring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := newCredentials()
		if err != nil {
			return err
		}
		if err := creds.Remove(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", args[0])
		return nil
	},
}

type credentialStatus struct {
	Name   string `json:"name"`
	UsedBy string `json:"used_by"`
	Source string `json:"source,omitempty"`
	Value  string `json:"value,omitempty"`
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show where each configured credential resolves from (masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		creds, err := newCredentials()
		if err != nil {
			return err
		}

		var out []credentialStatus
		for name, usedBy := range credentialNames(cfg) {
			st := credentialStatus{Name: name, UsedBy: usedBy}
			v, src, err := creds.Lookup(name)
			switch {
			case err == nil:
				st.Source, st.Value = src, credentials.Mask(v)
			case !errors.Is(err, credentials.ErrNotFound):
				return err
			}
			out = append(out, st)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), out)
		}
		tw := newTable(cmd.OutOrStdout(), "Name", "Used by", "Source", "Value")
		for _, c := range out {
			src := c.Source
			if src == "" {
				src = "missing"
			}
			tw.AppendRow([]interface{}{c.Name, c.UsedBy, src, c.Value})
		}
		tw.Render()
		return nil
	},
}

// credentialNames maps each credential the config refers to onto what uses it.
func credentialNames(cfg *config.Config) map[string]string {
	names := map[string]string{cfg.AI.APIKeyKey: "ai:" + cfg.AI.Provider}
	if cfg.VCS.Kind == "git" && cfg.VCS.Push {
		names[cfg.VCS.TokenKey] = "git push"
	}
	for _, p := range cfg.Projects {
		if prev, ok := names[p.PlatformTokenKey]; ok {
			names[p.PlatformTokenKey] = prev + ", " + p.ID
			continue
		}
		names[p.PlatformTokenKey] = p.ID
	}
	return names
}

func init() {
	addFormatFlag(authListCmd)
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authRemoveCmd)
	authCmd.AddCommand(authListCmd)
}
