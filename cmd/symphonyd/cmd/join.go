package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/symphonymesh/symphonyd/internal/config"
	"github.com/symphonymesh/symphonyd/internal/registration"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Generate (or show) this node's overlay identity",
	Long: "Generate this node's persistent overlay identity if it does not\n" +
		"already exist, and print its node id. Does not start the agent daemon.",
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cfg, err := config.ParseConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("symphonyd join: %w", err)
	}

	registrar := registration.NewRegistrar(cfg.Registration, setupLogger(cfg.LogLevel))
	identity, err := registrar.Register()
	if err != nil {
		return fmt.Errorf("symphonyd join: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "node_id: %s\n", identity.NodeID)
	return nil
}
