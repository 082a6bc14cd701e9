package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/conductor/internal/domain"
)

func init() {
	jobSubmitCmd.Flags().StringVar(&jobFlags.id, "id", "", "Job id (generated if empty)")
	jobSubmitCmd.Flags().Uint64Var(&jobFlags.reward, "reward", 0, "Reward per step (0 uses the node default)")
	jobSubmitCmd.Flags().Uint64Var(&jobFlags.timeLimitMs, "time-limit-ms", 0, "Time limit per step in ms")
	jobSubmitCmd.Flags().StringVar(&jobFlags.params, "params", "", "Job parameters as JSON")
	jobSubmitCmd.Flags().BoolVarP(&jobFlags.wait, "wait", "w", false, "Wait for the job to finish")

	jobCmd.AddCommand(jobSubmitCmd, jobListCmd)
	rootCmd.AddCommand(jobCmd)
}

var jobFlags struct {
	id          string
	reward      uint64
	timeLimitMs uint64
	params      string
	wait        bool
}

var jobCmd = &cobra.Command{
	Use:     "job",
	Aliases: []string{"jobs"},
	Short:   "Submit and inspect multi-step jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit APPLICATION",
	Short: "Start a job at the application's first step",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobSubmit,
}

var jobListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List jobs in progress",
	RunE:    runJobList,
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	params, err := parseJSONFlag("params", jobFlags.params)
	if err != nil {
		return err
	}
	sub := domain.JobSubmission{
		JobID:         jobFlags.id,
		ApplicationID: args[0],
		Reward:        jobFlags.reward,
		TimeLimitMs:   jobFlags.timeLimitMs,
		Params:        params,
	}
	c := newAPIClient()
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.call("POST", "/api/jobs", sub, &out); err != nil {
		return err
	}
	fmt.Printf("Submitted job %s\n", out.JobID)
	if !jobFlags.wait {
		return nil
	}
	return waitForJob(c, out.JobID)
}

// waitForJob polls the job list until jobID leaves it.
func waitForJob(c *apiClient, jobID string) error {
	bar := newProgressBar(os.Stderr)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for now := range ticker.C {
		var jobs []domain.SequenceRecord
		if err := c.call("GET", "/api/jobs", nil, &jobs); err != nil {
			return err
		}
		rec, ok := findJob(jobs, jobID)
		if !ok {
			bar.done("job " + jobID + " finished")
			return nil
		}
		bar.update(rec.CurrentStep, len(rec.StepOrder), rec.CurrentStepID(), now)
	}
	return nil
}

func findJob(jobs []domain.SequenceRecord, id string) (domain.SequenceRecord, bool) {
	for _, j := range jobs {
		if j.JobID == id {
			return j, true
		}
	}
	return domain.SequenceRecord{}, false
}

func runJobList(cmd *cobra.Command, args []string) error {
	var jobs []domain.SequenceRecord
	if err := newAPIClient().call("GET", "/api/jobs", nil, &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs in progress.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tAPPLICATION\tSTEP\tPROGRESS\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			j.JobID,
			j.ApplicationID,
			j.CurrentStepID(),
			j.CurrentStep+1, len(j.StepOrder),
			j.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}
