package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var projectsUser string

// tracksCmd represents the tracks command
var tracksCmd = &cobra.Command{
	Use:   "tracks <job-id>",
	Short: "Show the tracks and lyrics of a completed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runTracks,
}

// projectsCmd represents the projects command
var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List uploaded projects",
	Long:  `List the projects of a user, or every project when no user is given.`,
	RunE:  runProjects,
}

func init() {
	rootCmd.AddCommand(tracksCmd)
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.Flags().StringVar(&projectsUser, "user", "", "only list projects of this user id")
}

func runTracks(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	tracks, err := c.Tracks(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(tracks)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Track", "URL")
	table.Append("Vocals", tracks.Vocal)
	instrumental := tracks.Instrumental
	if instrumental == "" {
		instrumental = "(unavailable)"
	}
	table.Append("Backing", instrumental)
	if err := table.Render(); err != nil {
		return err
	}

	if len(tracks.Lyrics) == 0 {
		fmt.Println("No lyrics found")
		return nil
	}

	lyrics := tablewriter.NewWriter(os.Stdout)
	lyrics.Header("Start", "End", "Text")
	for _, seg := range tracks.Lyrics {
		lyrics.Append(formatSeconds(seg.StartTime), formatSeconds(seg.EndTime), seg.Text)
	}
	return lyrics.Render()
}

func runProjects(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	projects, err := c.Projects(cmd.Context(), projectsUser)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(projects)
	}
	if len(projects) == 0 {
		fmt.Println("No projects found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "File", "Status", "Created")
	for _, p := range projects {
		table.Append(p.JobID, p.Filename, string(p.Status), p.CreatedAt.Format("2006-01-02 15:04"))
	}
	return table.Render()
}

// formatSeconds renders 83.5 as 1:23.50
func formatSeconds(s float64) string {
	m := int(s) / 60
	return fmt.Sprintf("%d:%05.2f", m, s-float64(m*60))
}
