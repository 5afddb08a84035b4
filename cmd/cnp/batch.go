package main

import (
	"context"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cloudnetproc/internal/app"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/report"
	"cloudnetproc/internal/resolver"
)

// selection holds the selector flags shared by batch and publish commands.
type selection struct {
	sites        []string
	products     []string
	date         string
	start        string
	stop         string
	instruments  []string
	models       []string
	updatedSince int
	opts         domain.Options
}

func (s *selection) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringSliceVarP(&s.sites, "site", "s", nil, "site id (repeatable)")
	f.StringSliceVarP(&s.products, "products", "p", nil, "products, kinds or bundles (comma separated)")
	f.StringVarP(&s.date, "date", "d", "", "date: today, yesterday, Nd, YYYY-MM-DD, YYYY-MM or YYYY")
	f.StringVar(&s.start, "start", "", "first date of the range (default five days ago)")
	f.StringVar(&s.stop, "stop", "", "last date of the range (default today)")
	f.StringSliceVar(&s.instruments, "instruments", nil, "instrument pids or types")
	f.StringSliceVar(&s.models, "models", nil, "model ids")
	f.IntVar(&s.updatedSince, "updated_since", 0, "select fingerprints from raw files updated in the last N hours")
	f.BoolVar(&s.opts.Reprocess, "reprocess", false, "reprocess volatile files even without new raw data")
	f.BoolVar(&s.opts.ReprocessVolatile, "reprocess_volatile", false, "reprocess volatile files only")
	f.BoolVar(&s.opts.NewVersion, "new-version", false, "create a new stable version with --reprocess")
	f.BoolVar(&s.opts.Force, "force", false, "ignore freeze delays and legacy protection")
}

// requests turns the flags into one resolver request per site.
func (s *selection) requests(mode domain.Mode, defaults []string, today domain.Date) ([]resolver.Request, error) {
	if len(s.sites) == 0 {
		return nil, domain.ConfigErrorf("--site is required")
	}
	if s.updatedSince < 0 {
		return nil, domain.ConfigErrorf("--updated_since must be positive")
	}
	var rng domain.DateRange
	if s.updatedSince == 0 {
		var err error
		if rng, err = domain.SelectRange(s.date, s.start, s.stop, today); err != nil {
			return nil, err
		}
	} else if s.date != "" || s.start != "" || s.stop != "" {
		return nil, domain.ConfigErrorf("cannot combine --updated_since with a date range")
	}
	selectors := s.products
	if len(selectors) == 0 {
		selectors = defaults
	}
	out := make([]resolver.Request, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, resolver.Request{
			Mode:         mode,
			Site:         site,
			Range:        rng,
			Selectors:    selectors,
			Instruments:  s.instruments,
			Models:       s.models,
			Options:      s.opts,
			UpdatedSince: time.Duration(s.updatedSince) * time.Hour,
		})
	}
	return out, nil
}

// resolveSites runs the resolver pre-flight for every site before any task executes.
func resolveSites(ctx context.Context, svc *app.Services, reqs []resolver.Request) ([]iter.Seq2[domain.Task, error], error) {
	seqs := make([]iter.Seq2[domain.Task, error], 0, len(reqs))
	for _, req := range reqs {
		seq, err := svc.Resolver.Resolve(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", req.Site, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func batchCmd(mode domain.Mode, use, short string, defaults []string) *cobra.Command {
	var sel selection
	var dryRun bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := sel.requests(mode, defaults, domain.DateOf(time.Now()))
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				seqs, err := resolveSites(ctx, svc, reqs)
				if err != nil {
					return err
				}
				if dryRun {
					return printPlan(seqs)
				}
				var total domain.BatchReport
				for i, seq := range seqs {
					r, err := svc.Dispatcher.RunBatch(ctx, seq)
					for _, it := range r.Items {
						total.Add(it)
					}
					if err != nil {
						return fmt.Errorf("site %s: %w", reqs[i].Site, err)
					}
				}
				setExitCode(total)
				return printJSONOrTable(total, func() { report.Batch(os.Stdout, total) })
			})
		},
	}
	sel.bind(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve and print tasks without executing them")
	return cmd
}

func printPlan(seqs []iter.Seq2[domain.Task, error]) error {
	var tasks []domain.Task
	for _, seq := range seqs {
		for t, err := range seq {
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
	}
	return printJSONOrTable(tasks, func() { report.Tasks(os.Stdout, tasks) })
}

func publishCmd() *cobra.Command {
	var sel selection
	var queue, kind string
	var priority int
	var derived bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Queue the tasks of a selection for workers",
		Long:  "Resolves the selection and publishes every fingerprint that is not skipped. Workers classify each entry again when they run it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := domain.ParseMode(kind)
			if err != nil {
				return err
			}
			reqs, err := sel.requests(mode, nil, domain.DateOf(time.Now()))
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				seqs, err := resolveSites(ctx, svc, reqs)
				if err != nil {
					return err
				}
				var published []domain.QueueTask
				for _, seq := range seqs {
					for t, err := range seq {
						if err != nil {
							return err
						}
						if t.Action == domain.ActionSkip {
							continue
						}
						qt, err := svc.Publisher.Publish(ctx, domain.QueueTask{
							Queue:       firstNonEmpty(queue, svc.Config.Queue.Name),
							Kind:        mode,
							Fingerprint: t.Fingerprint,
							Options:     t.Options,
							Derived:     derived,
							Priority:    priority,
						})
						if err != nil {
							return err
						}
						published = append(published, qt)
					}
				}
				return printJSONOrTable(published, func() { report.QueueTasks(os.Stdout, published) })
			})
		},
	}
	sel.bind(cmd)
	cmd.Flags().StringVar(&queue, "queue", "", "queue name (default from config)")
	cmd.Flags().StringVar(&kind, "kind", string(domain.ModeProcess), "task kind: process, freeze, plot, qc, housekeeping")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority, lower runs first")
	cmd.Flags().BoolVar(&derived, "derived", false, "publish derived products after processing")
	return cmd
}
