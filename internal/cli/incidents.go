package cli

import (
	"github.com/spf13/cobra"
)

// NewIncidentsCmd создаёт группу команд для просмотра incidents.
func NewIncidentsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Inspect incidents of exhausted jobs",
	}

	cmd.AddCommand(newIncidentsListCmd(clientFn, outputFn))

	return cmd
}

func newIncidentsListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var all bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			list, err := client.ListIncidents(cmd.Context(), all, limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "JOB_ID", "TYPE", "PROCESS_INSTANCE", "ACTIVITY", "CREATED", "RESOLVED", "MESSAGE"}
			rows := make([][]string, len(list))
			for i, inc := range list {
				resolved := "-"
				if inc.ResolvedAt != nil {
					resolved = formatTime(*inc.ResolvedAt)
				}
				rows[i] = []string{
					inc.ID.String(),
					inc.JobID.String(),
					inc.JobType,
					inc.ProcessInstanceID.String(),
					inc.ActivityRef,
					formatTime(inc.CreatedAt),
					resolved,
					truncate(inc.Message, 60),
				}
			}

			out.Print(headers, rows, list)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include resolved incidents")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}
