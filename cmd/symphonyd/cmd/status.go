package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/symphonymesh/symphonyd/internal/overlay"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node agent status",
	Long:  "Connect to the local agent via Unix socket and display overlay and tunnel state.",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func fetchSnapshot() ([]overlay.OverlaySnapshot, error) {
	resp, err := socketGet(defaultSocketPath(), "/v1/snapshot")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var snaps []overlay.OverlaySnapshot
	if err := json.Unmarshal(body, &snaps); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return snaps, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	snaps, err := fetchSnapshot()
	if err != nil {
		return fmt.Errorf("symphonyd status: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Overlays: %d\n", len(snaps))
	for _, ov := range snaps {
		connected := 0
		for _, l := range ov.Links {
			if l.EdgeState == "Connected" {
				connected++
			}
		}
		fmt.Fprintf(w, "\n%s: %d links (%d connected)\n", ov.OverlayID, len(ov.Links), connected)
		for _, l := range ov.Links {
			fmt.Fprintf(w, "  %-20s %-10s %-12s", l.PeerID, l.EdgeType, l.EdgeState)
			if l.TunnelID != "" {
				fmt.Fprintf(w, " tunnel=%s tap=%s state=%s", l.TunnelID, l.TapName, l.State)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}
