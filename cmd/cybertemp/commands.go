package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cybertemp/agent/internal/domain"
	"cybertemp/agent/internal/extract"
	"cybertemp/agent/internal/remote"
	"cybertemp/agent/internal/service"
)

// errNoCode extract 没有找到验证码
var errNoCode = errors.New("no verification code found")

var (
	randomFlag   bool
	usernameFlag string
	domainFlag   string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new disposable address",
	Long: `Generate replaces the current identity with a new address and clears
the cached inbox. Without --username a random local part is used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		in := service.GenerateInput{
			Random:   randomFlag || usernameFlag == "",
			Username: usernameFlag,
			Domain:   domainFlag,
		}
		email, err := a.identity.Generate(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), email)
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one inbox poll and print the cached messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.poller.Poll(ctx); err != nil {
			if errors.Is(err, remote.ErrInvalidCredential) {
				return fmt.Errorf("api key rejected, run `cybertemp login <key>`: %w", err)
			}
			return err
		}

		msgs, err := a.state.Messages(ctx)
		if err != nil {
			return err
		}
		return printMessages(cmd.OutOrStdout(), msgs)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <api-key>",
	Short: "Save the API key and fetch the account plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.session.SaveAPIKey(ctx, args[0]); err != nil {
			return err
		}
		if err := a.refresh.RefreshPlan(ctx); err != nil {
			return fmt.Errorf("api key saved but plan refresh failed: %w", err)
		}

		plan, err := a.state.Plan(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in, plan %s (active: %t)\n", plan.Type, plan.IsActive)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the API key, identity, inbox and plan",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		return a.session.Logout(cmd.Context())
	},
}

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Refresh and print the available domains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.refresh.RefreshDomains(ctx); err != nil {
			return err
		}
		domains, err := a.state.Domains(ctx)
		if err != nil {
			return err
		}
		for _, d := range domains {
			fmt.Fprintln(cmd.OutOrStdout(), d)
		}
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract [file]",
	Short: "Extract a verification code from a message body (file or stdin)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			content []byte
			err     error
		)
		if len(args) == 1 && args[0] != "-" {
			content, err = os.ReadFile(args[0])
		} else {
			content, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("read message body: %w", err)
		}

		code, ok := extract.New().ExtractText(string(content))
		if !ok {
			return errNoCode
		}
		fmt.Fprintln(cmd.OutOrStdout(), code)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the identity, plan and preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.session.Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		email := snap.Email
		if email == "" {
			email = "-"
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "email\t%s\n", email)
		fmt.Fprintf(w, "authenticated\t%t\n", snap.Authenticated)
		fmt.Fprintf(w, "plan\t%s (active: %t)\n", snap.Plan.Type, snap.Plan.IsActive)
		fmt.Fprintf(w, "messages\t%d\n", len(snap.Emails))
		fmt.Fprintf(w, "domains\t%d\n", len(snap.Domains))
		if snap.SelectedDomain != "" {
			fmt.Fprintf(w, "selected domain\t%s\n", snap.SelectedDomain)
		}
		fmt.Fprintf(w, "detection\t%t\n", snap.Preferences.EnableDetection)
		fmt.Fprintf(w, "autofill\t%t\n", snap.Preferences.EnableAutofill)
		fmt.Fprintf(w, "auto refresh\t%t\n", snap.Preferences.AutoRefresh)
		fmt.Fprintf(w, "theme\t%s\n", snap.Preferences.Theme)
		return w.Flush()
	},
}

func init() {
	generateCmd.Flags().BoolVar(&randomFlag, "random", false, "Use a random local part and domain")
	generateCmd.Flags().StringVar(&usernameFlag, "username", "", "Local part (or full address) to use")
	generateCmd.Flags().StringVar(&domainFlag, "domain", "", "Domain for the address, defaults to the selected one")
	generateCmd.MarkFlagsMutuallyExclusive("random", "username")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(domainsCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(statusCmd)
}

// printMessages 以表格输出邮件列表，识别到的验证码单独一列
func printMessages(out io.Writer, msgs []domain.Message) error {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "inbox is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFROM\tSUBJECT\tCODE")
	for i := range msgs {
		code, _ := extract.Code(&msgs[i])
		subject := strings.TrimSpace(msgs[i].Subject)
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", msgs[i].ID, msgs[i].Sender(), subject, code)
	}
	return w.Flush()
}
