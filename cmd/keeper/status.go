package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/keeper/internal/types"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running keeper's session state",
		Run: func(cmd *cobra.Command, args []string) {
			c, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
				os.Exit(1)
			}
			if err := printStatus(c.Port); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				fmt.Fprintln(os.Stderr, "Is the keeper running? Start it with 'keeper run'.")
				os.Exit(1)
			}
		},
	}
}

func printStatus(port int) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/v1/status", port))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var st types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}

	snap := st.Snapshot
	fmt.Printf("Keeper %s\n\n", st.Version)
	fmt.Printf("  Running:       %v\n", snap.Running)
	fmt.Printf("  Connected:     %v (%s)\n", snap.Connected, snap.Status)
	if !snap.LastCheck.IsZero() {
		fmt.Printf("  Last check:    %s\n", snap.LastCheck.Local().Format(time.RFC1123))
	}
	fmt.Printf("  Checks:        %d total, %d ok (%.0f%%)\n",
		snap.TotalChecks, snap.TotalSuccesses, snap.SuccessRate*100)
	fmt.Printf("  Failure streak: %d\n", snap.ConsecutiveFailures)
	fmt.Printf("  Uptime:        %s\n", (time.Duration(snap.UptimeSeconds) * time.Second).String())

	if lr := snap.LastRecovery; lr != nil {
		fmt.Printf("  Last recovery: %s after %d attempt(s)\n", lr.State, lr.Attempts)
	}
	if rot := snap.Rotation; rot != nil {
		if !rot.LastRotatedAt.IsZero() {
			fmt.Printf("  Last rotation: %s (#%d)\n", rot.LastRotatedAt.Local().Format(time.RFC1123), rot.Count)
		}
		if !rot.NextRotation.IsZero() {
			fmt.Printf("  Next rotation: %s\n", rot.NextRotation.Local().Format(time.RFC1123))
		}
	}
	return nil
}
