package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/conductor/internal/domain"
)

func init() {
	taskCreateCmd.Flags().StringVar(&taskFlags.id, "id", "", "Task id (generated if empty)")
	taskCreateCmd.Flags().StringVar(&taskFlags.app, "app", "", "Application id")
	taskCreateCmd.Flags().StringVar(&taskFlags.step, "step", "", "Step id")
	taskCreateCmd.Flags().Uint64Var(&taskFlags.reward, "reward", 0, "Reward (0 uses the node default)")
	taskCreateCmd.Flags().Uint64Var(&taskFlags.timeLimitMs, "time-limit-ms", 0, "Time limit in ms (0 uses the node default)")
	taskCreateCmd.Flags().StringVar(&taskFlags.data, "data", "", "Template data as JSON (defaults to the step template)")
	taskCreateCmd.MarkFlagRequired("app")
	taskCreateCmd.MarkFlagRequired("step")

	taskCmd.AddCommand(taskCreateCmd, taskCompletedCmd)
	rootCmd.AddCommand(taskCmd)
}

var taskFlags struct {
	id          string
	app         string
	step        string
	reward      uint64
	timeLimitMs uint64
	data        string
}

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"tasks"},
	Short:   "Create and inspect single tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a standalone task for one application step",
	RunE:  runTaskCreate,
}

var taskCompletedCmd = &cobra.Command{
	Use:   "completed",
	Short: "List completed tasks",
	RunE:  runTaskCompleted,
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	data, err := parseJSONFlag("data", taskFlags.data)
	if err != nil {
		return err
	}
	sub := domain.TaskSubmission{
		TaskID:        taskFlags.id,
		ApplicationID: taskFlags.app,
		StepID:        taskFlags.step,
		Reward:        taskFlags.reward,
		TimeLimitMs:   taskFlags.timeLimitMs,
		TemplateData:  data,
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := newAPIClient().call("POST", "/api/tasks", sub, &out); err != nil {
		return err
	}
	fmt.Printf("Created task %s\n", out.TaskID)
	return nil
}

func runTaskCompleted(cmd *cobra.Command, args []string) error {
	var recs []domain.CompletedTaskRecord
	if err := newAPIClient().call("GET", "/api/tasks/completed", nil, &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No completed tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tAPPLICATION\tSTEP\tFINISHED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.TaskID,
			r.Payload.ApplicationID,
			r.Payload.StepID,
			r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}
