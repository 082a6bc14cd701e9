package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/conductor/internal/app/control"
	"github.com/tutu-network/conductor/internal/app/credit"
)

func init() {
	rootCmd.AddCommand(statusCmd, creditsCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task, worker and job counts of a running node",
	RunE:  runStatus,
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show rewards earned per worker",
	RunE:  runCredits,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st control.Status
	if err := newAPIClient().call("GET", "/api/status", nil, &st); err != nil {
		return err
	}
	o := st.Orchestrator
	fmt.Printf("Live tasks:    %d\n", o.LiveTasks)
	fmt.Printf("Pending:       %d\n", o.PendingTasks)
	fmt.Printf("Assignments:   %d\n", o.Assignments)
	fmt.Printf("Workers:       %d connected, %d idle\n", o.ConnectedWorkers, o.IdleWorkers)
	fmt.Printf("Applications:  %d\n", o.Applications)
	fmt.Printf("Active jobs:   %d\n", st.ActiveJobs)
	return nil
}

func runCredits(cmd *cobra.Command, args []string) error {
	var balances []credit.Balance
	if err := newAPIClient().call("GET", "/api/credits", nil, &balances); err != nil {
		return err
	}
	if len(balances) == 0 {
		fmt.Println("No rewards issued yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tEARNED\tTASKS")
	for _, b := range balances {
		fmt.Fprintf(w, "%s\t%d\t%d\n", b.Worker, b.Earned, b.Tasks)
	}
	return w.Flush()
}
