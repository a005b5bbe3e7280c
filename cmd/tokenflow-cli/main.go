// Tokenflow CLI — операторская утилита для jobs и incidents.
//
// Использование:
//
//	tokenflow [--db-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	jobs       Просмотр и управление async jobs
//	incidents  Просмотр incidents исчерпанных jobs
package main

import (
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/shaiso/Tokenflow/internal/cli"
	"github.com/shaiso/Tokenflow/internal/config"
	"github.com/shaiso/Tokenflow/internal/jobs"
	"github.com/shaiso/Tokenflow/internal/repo"
	"github.com/shaiso/Tokenflow/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var dbURL string
	var jsonOutput bool
	var pool *pgxpool.Pool
	client := &cli.Client{}

	rootCmd := &cobra.Command{
		Use:           "tokenflow",
		Short:         "Tokenflow CLI — inspect and repair async jobs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			pool, err = repo.NewPool(cmd.Context(), dbURL)
			if err != nil {
				return err
			}
			queue := jobs.NewQueue(jobs.QueueConfig{
				Store:     repo.NewJobRepo(pool),
				Incidents: repo.NewIncidentRepo(pool),
				Logger:    telemetry.NewLogger(os.Stderr, telemetry.LogLevel(), "text"),
			})
			*client = *cli.NewClient(queue, repo.NewIncidentRepo(pool))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if pool != nil {
				pool.Close()
			}
		},
	}

	defaultDB := config.DefaultDBURL
	if v := os.Getenv("DB_URL"); v != "" {
		defaultDB = v
	}
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", defaultDB, "PostgreSQL connection URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return client }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewJobsCmd(clientFn, outputFn),
		cli.NewIncidentsCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
