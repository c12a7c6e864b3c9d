package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Sepzie/SingWithMe/pkg/models"
)

var followStatus bool

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Long:  `Retrieve the status of a job. With --follow, stream updates over the socket until the job completes or fails.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&followStatus, "follow", false, "stream status updates until the job finishes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	if followStatus {
		return followJob(cmd, jobID)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	job, err := c.Status(cmd.Context(), jobID)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("File", job.Filename)
	table.Append("State", string(job.State))
	if job.Progress != nil {
		table.Append("Progress", fmt.Sprintf("%.0f%%", *job.Progress*100))
	}
	if job.Message != "" {
		table.Append("Message", job.Message)
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Append("Created", job.CreatedAt.Format(time.RFC3339))
	table.Append("Updated", job.UpdatedAt.Format(time.RFC3339))
	return table.Render()
}

// followJob prints every status event of jobID until the job finishes
func followJob(cmd *cobra.Command, jobID string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	final, err := c.Follow(cmd.Context(), jobID, printEvent)
	if err != nil {
		return err
	}
	if final.State == models.JobStateFailed {
		return fmt.Errorf("job %s failed: %s", jobID, final.Error)
	}
	return nil
}

func printEvent(ev models.Event) {
	if IsJSONOutput() {
		printJSON(ev)
		return
	}
	fmt.Println(formatEvent(time.Now(), ev))
}

func formatEvent(at time.Time, ev models.Event) string {
	line := fmt.Sprintf("[%s] %-10s", at.Format("15:04:05"), ev.Status.State)
	if ev.Status.Progress != nil {
		line += fmt.Sprintf(" %3.0f%%", *ev.Status.Progress*100)
	}
	if ev.Status.Message != "" {
		line += "  " + ev.Status.Message
	}
	if ev.Status.Error != "" {
		line += "  error: " + ev.Status.Error
	}
	return line
}
