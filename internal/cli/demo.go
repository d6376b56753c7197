package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/sessionjobs/internal/config"
	"github.com/ChuLiYu/sessionjobs/internal/jobmanager"
	"github.com/ChuLiYu/sessionjobs/internal/platform"
	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type demoOptions struct {
	jobs     int
	duration time.Duration
}

func buildDemoCommand() *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a local scheduling and cancellation walkthrough",
		Long: `Schedules jobs for two server sessions, cancels every job of the
second session by session filter and prints the outcome of each job.
Metrics and notify endpoints are not started.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runDemo(cmd.OutOrStdout(), cfg, opts)
		},
	}

	cmd.Flags().IntVar(&opts.jobs, "jobs", 5, "jobs per session")
	cmd.Flags().DurationVar(&opts.duration, "duration", 50*time.Millisecond, "duration of each job")
	return cmd
}

func runDemo(w io.Writer, cfg *config.Config, opts demoOptions) error {
	cfg.Metrics.Enabled = false
	cfg.Notify.Enabled = false
	cfg.Lookup.DSN = ""

	p := platform.New(cfg, platform.WithRegistry(prometheus.NewRegistry()))
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Shutdown(ctx)

	alice := types.NewServerSession("alice", "alice")
	bob := types.NewServerSession("bob", "bob")

	work := func(ctx context.Context) (string, error) {
		deadline := time.Now().Add(opts.duration)
		for time.Now().Before(deadline) {
			if jobmanager.IsCancelled(ctx) {
				return "", jobmanager.ErrCancelled
			}
			time.Sleep(time.Millisecond)
		}
		return runctx.Current(ctx).Subject(), nil
	}

	start := time.Now()
	var futures []*jobmanager.Future[string]
	for i := 0; i < opts.jobs; i++ {
		for _, s := range []*types.ServerSession{alice, bob} {
			in := jobmanager.NewInput(s).
				WithID(fmt.Sprintf("%s-%d", s.ID(), i)).
				WithName("demo.work").
				WithSubject(s.User())
			f, err := jobmanager.Schedule(ctx, p.ServerJobs(), in, work)
			if err != nil {
				return err
			}
			futures = append(futures, f)
		}
	}

	cancelled := p.ServerJobs().Cancel(jobmanager.SessionFilter(bob), true)
	fmt.Fprintf(w, "Scheduled %d jobs, cancelled %d jobs of session %s\n\n", len(futures), cancelled, bob.ID())

	for _, f := range futures {
		v, err := jobmanager.AwaitDone(f, 0)
		outcome := v
		if err != nil {
			outcome = jobmanager.Sanitize(err).Error()
		}
		fmt.Fprintf(w, "  %-10s %-10s %-10s %s\n", f.Input().ID(), f.State(), f.Worker(), outcome)
	}

	s := p.ServerJobs().Stats()
	fmt.Fprintf(w, "\nserver: done=%d cancelled=%d failed=%d in %s\n",
		s.Done, s.Cancelled, s.Failed, time.Since(start).Round(time.Millisecond))
	return nil
}
