package cli

import (
	"fmt"
	"os"

	"github.com/lucasnoah/autoheal/internal/validate"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the checks a fix loop depends on",
}

type accessResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Action string `json:"action,omitempty"`
}

var checkAccessCmd = &cobra.Command{
	Use:   "access",
	Short: "Verify the AI provider, repository access and platform credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()

		var results []accessResult
		for _, c := range a.checks {
			r := accessResult{Name: c.Name, OK: true}
			if err := c.Checker.CheckAccess(cmd.Context()); err != nil {
				r = accessResult{Name: c.Name, Error: err.Error(), Action: c.Action}
			}
			results = append(results, r)
		}
		for _, p := range a.cfg.Projects {
			r := accessResult{Name: "platform_credential:" + p.ID, OK: true}
			if a.credential(p.ID) == "" {
				r = accessResult{
					Name:   r.Name,
					Error:  p.PlatformTokenKey + " is not set",
					Action: fmt.Sprintf("set the %s token in the environment, a .env file or `autoheal auth set %s`", p.PlatformTokenKey, p.PlatformTokenKey),
				}
			}
			results = append(results, r)
		}

		failed := 0
		for _, r := range results {
			if !r.OK {
				failed++
			}
		}

		if wantJSON(cmd) {
			if err := printJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
		} else {
			tw := newTable(cmd.OutOrStdout(), "Check", "Result", "Action")
			for _, r := range results {
				result := "ok"
				if !r.OK {
					result = clip(r.Error, 60)
				}
				tw.AppendRow([]interface{}{r.Name, result, r.Action})
			}
			tw.Render()
		}
		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

var checkSyntaxCmd = &cobra.Command{
	Use:   "syntax <file>...",
	Short: "Parse files with the same checker fixes are validated with",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		checker := validate.NewSyntaxChecker(cfg.Syntax, &validate.ExecRunner{})

		failed := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := checker.Check(cmd.Context(), path, string(data)); err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s\n", err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", path)
		}
		if failed > 0 {
			return fmt.Errorf("%d file(s) failed to parse", failed)
		}
		return nil
	},
}

func init() {
	addFormatFlag(checkAccessCmd)
	checkCmd.AddCommand(checkAccessCmd)
	checkCmd.AddCommand(checkSyntaxCmd)
}
