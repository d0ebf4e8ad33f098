package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/kera/internal/config"
	"github.com/harun/kera/pkg/firewall"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the command firewall policy",
}

var policyReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running daemon to reload its policy",
	Long:  "Signal the daemon to re-read and re-verify the policy file. This is the only way to clear a tamper-suspect deny-all state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, running := isRunning(getPIDFilePath())
		if !running {
			return fmt.Errorf("kera is not running")
		}
		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("failed to find process %d: %w", pid, err)
		}
		if err := process.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("failed to signal process %d: %w", pid, err)
		}
		fmt.Println("reload requested")
		return nil
	},
}

var policyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the policy file against its hash sidecar",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewLoader(cfgFile).Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		policies, err := firewall.Load(cfg.Policy.Path, newCommandLogger())
		if err != nil {
			return fmt.Errorf("policy verification failed: %w", err)
		}
		fmt.Printf("policy %s verified: %d rules, default mode %s\n",
			cfg.Policy.Path, len(policies.Document().Rules), policies.Document().DefaultMode)
		return nil
	},
}

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter policy file with its hash sidecar",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewLoader(cfgFile).Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if _, err := os.Stat(cfg.Policy.Path); err == nil {
			return fmt.Errorf("policy file already exists at %s", cfg.Policy.Path)
		}
		doc := firewall.DefaultDocument()
		if err := firewall.WriteDocument(cfg.Policy.Path, doc); err != nil {
			return err
		}
		fmt.Printf("wrote policy to %s\n", cfg.Policy.Path)
		return nil
	},
}

// newCommandLogger is a quiet stderr logger for one-shot commands.
func newCommandLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
}

func init() {
	policyCmd.AddCommand(policyReloadCmd)
	policyCmd.AddCommand(policyVerifyCmd)
	policyCmd.AddCommand(policyInitCmd)
	rootCmd.AddCommand(policyCmd)
}
