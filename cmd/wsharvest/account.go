package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/wsharvest/registry"
	"github.com/hazyhaar/wsharvest/store"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage Yandex accounts",
}

var accountAddFlags struct {
	password    string
	askPassword bool
	proxy       string
	profile     string
}

var accountAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add an account",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		n := registry.NewAccount{
			Name:       args[0],
			Password:   accountAddFlags.password,
			ProfileDir: accountAddFlags.profile,
			Proxy:      accountAddFlags.proxy,
		}
		if accountAddFlags.askPassword {
			pw, err := readSecret(cmd.ErrOrStderr(), "password for "+n.Name)
			if err != nil {
				return err
			}
			n.Password = pw
		}
		acc, err := a.accounts.Add(cmd.Context(), n)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s (id %d, profile %s)\n", acc.Name, acc.ID, acc.ProfileDir)
		return nil
	}),
}

var accountImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: `Import accounts, one "login[:password] [proxy]" per line`,
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		lines, err := readLines(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		added, failed := a.accounts.Import(cmd.Context(), lines)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "added %d, failed %d\n", len(added), len(failed))
		bad := make([]string, 0, len(failed))
		for line := range failed {
			bad = append(bad, line)
		}
		sort.Strings(bad)
		for _, line := range bad {
			fmt.Fprintf(out, "  %s: %v\n", redactLine(line), failed[line])
		}
		return nil
	}),
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with their status",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		rows, err := a.accounts.List(cmd.Context())
		if err != nil {
			return err
		}
		printAccounts(cmd.OutOrStdout(), rows, a.st.Now())
		return nil
	}),
}

var accountDisableCmd = &cobra.Command{
	Use:   "disable NAME",
	Short: "Exclude an account from future runs",
	Args:  cobra.ExactArgs(1),
	RunE: withAccount(func(cmd *cobra.Command, a *app, acc registry.Account, _ []string) error {
		return a.accounts.Disable(cmd.Context(), acc.ID)
	}),
}

var accountEnableCmd = &cobra.Command{
	Use:   "enable NAME",
	Short: "Return a disabled, cooling or captcha-blocked account to service",
	Args:  cobra.ExactArgs(1),
	RunE: withAccount(func(cmd *cobra.Command, a *app, acc registry.Account, _ []string) error {
		return a.accounts.Enable(cmd.Context(), acc.ID)
	}),
}

var accountAnswerCmd = &cobra.Command{
	Use:   "answer NAME PATTERN ANSWER",
	Short: "Store the answer to a secret question",
	Long: `PATTERN is matched case-insensitively as a substring of the question
Yandex shows, e.g. "девичья фамилия".`,
	Args: cobra.ExactArgs(3),
	RunE: withAccount(func(cmd *cobra.Command, a *app, acc registry.Account, args []string) error {
		return a.accounts.SetAnswer(cmd.Context(), acc.ID, args[1], args[2])
	}),
}

var accountPasswordCmd = &cobra.Command{
	Use:   "password NAME",
	Short: "Replace the stored login password",
	Args:  cobra.ExactArgs(1),
	RunE: withAccount(func(cmd *cobra.Command, a *app, acc registry.Account, _ []string) error {
		pw, err := readSecret(cmd.ErrOrStderr(), "new password for "+acc.Name)
		if err != nil {
			return err
		}
		return a.accounts.SetPassword(cmd.Context(), acc.ID, pw)
	}),
}

func init() {
	f := accountAddCmd.Flags()
	f.StringVar(&accountAddFlags.password, "password", "", "login password")
	f.BoolVar(&accountAddFlags.askPassword, "ask-password", false, "read the password from the terminal")
	f.StringVar(&accountAddFlags.proxy, "proxy", "", "proxy in any supported format")
	f.StringVar(&accountAddFlags.profile, "profile", "", "browser profile directory (default <profiles>/NAME)")

	accountCmd.AddCommand(accountAddCmd, accountImportCmd, accountListCmd,
		accountDisableCmd, accountEnableCmd, accountAnswerCmd, accountPasswordCmd)
}

// withAccount resolves args[0] to an account.
func withAccount(fn func(cmd *cobra.Command, a *app, acc registry.Account, args []string) error) func(*cobra.Command, []string) error {
	return withApp(func(cmd *cobra.Command, a *app, args []string) error {
		acc, err := a.accounts.ByName(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("account %q: %w", args[0], err)
		}
		return fn(cmd, a, acc, args)
	})
}

func printAccounts(w io.Writer, rows []store.Account, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tPROXY\tANSWERS\tLAST USED\tNOTE")
	for _, r := range rows {
		status := string(r.Status)
		if r.Status == store.AccountCooldown && r.CooldownUntil.After(now) {
			status += " (" + r.CooldownUntil.Sub(now).Round(time.Minute).String() + ")"
		}
		proxy := "-"
		if r.ProxyID != 0 {
			proxy = fmt.Sprintf("#%d", r.ProxyID)
		}
		used := "never"
		if !r.LastUsedAt.IsZero() {
			used = r.LastUsedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.Name, status, proxy, len(r.SecretAnswers), used, r.LastError)
	}
	tw.Flush()
}

// redactLine hides the password of an import line.
func redactLine(line string) string {
	head, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	if name, _, ok := strings.Cut(head, ":"); ok {
		head = name + ":***"
	}
	if rest != "" {
		return head + " " + rest
	}
	return head
}
