package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/podqueue/internal/jobs"
	"github.com/jo-hoe/podqueue/internal/service"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "podqueue",
		Short:         "Queue web pages and turn them into podcast episodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default $PODQUEUE_CONFIG or ./config.yaml)")

	// Long-running commands log to stdout; operator commands keep stdout for results.
	withApp := func(logOut func(*cobra.Command) io.Writer, run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), configPath, logOut(cmd))
			if err != nil {
				return err
			}
			defer a.close()
			return run(cmd, a, args)
		}
	}
	stdout := func(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
	stderr := func(cmd *cobra.Command) io.Writer { return cmd.ErrOrStderr() }

	root.AddCommand(
		&cobra.Command{
			Use:   "web",
			Short: "Serve the HTTP API",
			Args:  cobra.NoArgs,
			RunE: withApp(stdout, func(cmd *cobra.Command, a *app, _ []string) error {
				return a.runHTTP(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Process queued jobs one at a time",
			Args:  cobra.NoArgs,
			RunE: withApp(stdout, func(cmd *cobra.Command, a *app, _ []string) error {
				return a.runWorker(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the worker in one process",
			Args:  cobra.NoArgs,
			RunE: withApp(stdout, func(cmd *cobra.Command, a *app, _ []string) error {
				g, ctx := errgroup.WithContext(cmd.Context())
				g.Go(func() error { return a.runHTTP(ctx) })
				g.Go(func() error { return a.runWorker(ctx) })
				return g.Wait()
			}),
		},
		&cobra.Command{
			Use:   "submit <url>",
			Short: "Submit a URL for generation",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(stderr, func(cmd *cobra.Command, a *app, args []string) error {
				v, err := a.service(nil).Submit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printView(cmd.OutOrStdout(), v)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status <job-id>",
			Short: "Show the state of a job",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(stderr, func(cmd *cobra.Command, a *app, args []string) error {
				v, err := a.service(nil).Status(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				printView(cmd.OutOrStdout(), v)
				return nil
			}),
		},
		newListCmd(withApp(stderr, runList)),
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the job store schema",
			Args:  cobra.NoArgs,
			RunE: withApp(stderr, func(cmd *cobra.Command, a *app, _ []string) error {
				if err := a.store.Ping(cmd.Context()); err != nil {
					return fmt.Errorf("store not reachable: %w", err)
				}
				a.log.Info("schema ready", "driver", a.cfg.Database.Driver)
				return nil
			}),
		},
	)
	return root
}

func newListCmd(run func(*cobra.Command, []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
	cmd.Flags().Int("limit", 0, "maximum number of jobs to read (default server.libraryLimit)")
	cmd.Flags().String("state", "", "only show jobs in this state (queued, processing, completed, failed)")
	return cmd
}

func runList(cmd *cobra.Command, a *app, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	state, _ := cmd.Flags().GetString("state")
	state = strings.ToLower(strings.TrimSpace(state))
	if state != "" && !jobs.State(state).Valid() {
		return fmt.Errorf("unknown state %q", state)
	}

	views, err := a.service(nil).Library(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tRETRIES\tCREATED\tURL")
	n := 0
	for _, v := range views {
		if state != "" && string(v.State) != state {
			continue
		}
		n++
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", v.ID, v.State, v.RetryCount, humanize.Time(v.CreatedAt), v.SourceKey)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no jobs found")
	}
	return nil
}

func printView(w io.Writer, v service.View) {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", v.ID)
	fmt.Fprintf(tw, "url:\t%s\n", v.SourceKey)
	fmt.Fprintf(tw, "status:\t%s\n", v.State)
	fmt.Fprintf(tw, "retry_count:\t%d\n", v.RetryCount)
	fmt.Fprintf(tw, "created_at:\t%s\n", v.CreatedAt.Format(time.RFC3339))
	if v.StartedAt != nil {
		fmt.Fprintf(tw, "started_at:\t%s\n", v.StartedAt.Format(time.RFC3339))
	}
	if v.CompletedAt != nil {
		fmt.Fprintf(tw, "completed_at:\t%s\n", v.CompletedAt.Format(time.RFC3339))
	}
	if v.Title != nil {
		fmt.Fprintf(tw, "title:\t%s\n", *v.Title)
	}
	if v.DurationSeconds != nil {
		fmt.Fprintf(tw, "duration:\t%s\n", time.Duration(*v.DurationSeconds)*time.Second)
	}
	if v.AccessRef != "" {
		fmt.Fprintf(tw, "audio_url:\t%s\n", v.AccessRef)
	}
	if v.ErrorMessage != nil {
		fmt.Fprintf(tw, "error:\t%s\n", *v.ErrorMessage)
	}
	_ = tw.Flush()
}
