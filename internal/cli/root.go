// Package cli implements the jimpitan client commands. Every command works
// offline: writes are queued on the device and reads fall back to cache.
package cli

import (
	"fmt"
	"os"

	"github.com/punchamoorthee/jimpitan/internal/config"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags and the resolved agent configuration.
type RootOptions struct {
	ServerURL  string
	DataPath   string
	PolicyFile string
	LogLevel   string
	Format     string // "json" | "text"

	Config *config.AgentConfig
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. Flags override JIMPITAN_*
// environment variables.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "jimpitan",
		Short: "jimpitan - offline-first collection ledger client",
		Long: `Record jimpitan collections from the field, with or without a connection.

Collections recorded while offline are kept on the device and delivered in
order once the server is reachable again. Each one carries an idempotency key,
so a delivery that is retried is never counted twice.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.LoadAgent()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.ServerURL = opts.ServerURL
			}
			if flags.Changed("data") {
				cfg.DataPath = opts.DataPath
			}
			if flags.Changed("policy") {
				cfg.PolicyFile = opts.PolicyFile
			}
			if flags.Changed("log-level") || os.Getenv("LOG_LEVEL") == "" {
				cfg.LogLevel = opts.LogLevel
			}
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "ledger server URL (JIMPITAN_SERVER_URL)")
	cmd.PersistentFlags().StringVar(&opts.DataPath, "data", "", "device database path (JIMPITAN_DATA)")
	cmd.PersistentFlags().StringVar(&opts.PolicyFile, "policy", "", "cache policy YAML file (JIMPITAN_POLICY_FILE)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewCustomerCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewAgentCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
