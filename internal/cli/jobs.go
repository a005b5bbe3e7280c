package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewJobsCmd создаёт группу команд для управления jobs.
func NewJobsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage async jobs",
	}

	cmd.AddCommand(
		newJobsListCmd(clientFn, outputFn),
		newJobsShowCmd(clientFn, outputFn),
		newJobsRetryCmd(clientFn, outputFn),
		newJobsSuspendCmd(clientFn, outputFn),
		newJobsResumeCmd(clientFn, outputFn),
		newJobsDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

var jobHeaders = []string{"ID", "TYPE", "PROCESS_INSTANCE", "STATE", "RETRIES", "DUE", "EXCEPTION"}

func jobRow(j JobView) []string {
	return []string{
		j.ID.String(),
		j.Type,
		j.ProcessInstanceID.String(),
		string(j.State),
		fmt.Sprintf("%d/%d", j.Retries, j.MaxRetries),
		formatTime(j.DueDate),
		truncate(j.ExceptionMessage, 60),
	}
}

func newJobsListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListJobsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			list, err := client.ListJobs(cmd.Context(), opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(list))
			for i, j := range list {
				rows[i] = jobRow(j)
			}

			out.Print(jobHeaders, rows, list)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ProcessInstanceID, "process-instance", "", "Filter by process instance ID")
	cmd.Flags().StringVar(&opts.Type, "type", "", "Filter by job type")
	cmd.Flags().BoolVar(&opts.WithException, "with-exception", false, "Only jobs with an exception message")
	cmd.Flags().BoolVar(&opts.WithRetriesLeft, "with-retries-left", false, "Only jobs with retries > 0")
	cmd.Flags().BoolVar(&opts.Exhausted, "exhausted", false, "Only jobs with retries = 0")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newJobsShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if out.IsJSON() {
				out.JSON(job)
				return nil
			}

			rows := [][]string{
				{"ID", job.ID.String()},
				{"Type", job.Type},
				{"Execution", job.ExecutionID.String()},
				{"Process instance", job.ProcessInstanceID.String()},
				{"Activity", job.ActivityRef},
				{"State", string(job.State)},
				{"Retries", fmt.Sprintf("%d/%d", job.Retries, job.MaxRetries)},
				{"Due", formatTime(job.DueDate)},
				{"Exclusive", strconv.FormatBool(job.Exclusive)},
				{"Suspended", strconv.FormatBool(job.Suspended)},
			}
			if job.Repeat != "" {
				rows = append(rows, []string{"Repeat", job.Repeat})
			}
			if job.LockOwner != "" {
				rows = append(rows, []string{"Lock owner", job.LockOwner})
			}
			if job.LockExpiresAt != nil {
				rows = append(rows, []string{"Lock expires", formatTime(*job.LockExpiresAt)})
			}
			if job.ExceptionMessage != "" {
				rows = append(rows, []string{"Exception", job.ExceptionMessage})
			}
			out.Table([]string{"FIELD", "VALUE"}, rows)

			if job.ExceptionDetail != "" {
				out.Success("\n" + job.ExceptionDetail)
			}
			return nil
		},
	}
}

func newJobsRetryCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var retries int

	cmd := &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Restore retries of an exhausted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.RetryJob(cmd.Context(), args[0], retries)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job %s: retries set to %d", job.ID, job.Retries))
			out.Print(jobHeaders, [][]string{jobRow(*job)}, job)
			return nil
		},
	}

	cmd.Flags().IntVar(&retries, "retries", 1, "Number of retries to restore")

	return cmd
}

func newJobsSuspendCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "suspend JOB_ID",
		Short: "Suspend a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().SuspendJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Job %s suspended", args[0]))
			return nil
		},
	}
}

func newJobsResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "resume JOB_ID",
		Short: "Resume a suspended job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().ResumeJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Job %s resumed", args[0]))
			return nil
		},
	}
}

func newJobsDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete JOB_ID",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Job %s deleted", args[0]))
			return nil
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
