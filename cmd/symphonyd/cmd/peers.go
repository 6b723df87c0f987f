package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List overlay peers",
	Long:  "Connect to the local agent via Unix socket and list every peer in its current adjacency.",
	RunE:  runPeers,
}

func init() {
	rootCmd.AddCommand(peersCmd)
}

func runPeers(cmd *cobra.Command, _ []string) error {
	snaps, err := fetchSnapshot()
	if err != nil {
		return fmt.Errorf("symphonyd peers: %w", err)
	}

	w := cmd.OutOrStdout()
	total := 0
	for _, ov := range snaps {
		for _, l := range ov.Links {
			total++
			fmt.Fprintf(w, "%-12s %-20s %-10s %s\n", ov.OverlayID, l.PeerID, l.EdgeType, l.EdgeState)
		}
	}
	if total == 0 {
		fmt.Fprintln(w, "no peers")
	}
	return nil
}
