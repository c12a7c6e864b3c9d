package cmd

import (
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	uploadFollow bool
	uploadUser   string
)

// uploadCmd represents the upload command
var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a song for processing",
	Long:  `Upload an MP3 or WAV file. The server separates it and transcribes the vocals in the background.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().BoolVar(&uploadFollow, "follow", false, "stream status updates until the job finishes")
	uploadCmd.Flags().StringVar(&uploadUser, "user", "", "user id the project is filed under")
}

func runUpload(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	path := args[0]
	jobID, err := c.Upload(cmd.Context(), path, uploadUser)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if err := printJSON(map[string]string{"jobId": jobID}); err != nil {
			return err
		}
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Job ID", jobID)
		table.Append("File", filepath.Base(path))
		table.Render()
	}

	if uploadFollow {
		return followJob(cmd, jobID)
	}
	return nil
}
