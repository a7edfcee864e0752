package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"schedd/internal/config"
	"schedd/internal/jobs"
	"schedd/internal/storage"
	"schedd/pkg/logx"
)

// PlanRow is one line of the check report.
type PlanRow struct {
	Job      string
	Kind     string
	Priority int
	FirstRun time.Time
	Every    time.Duration
	Jitter   time.Duration
	Disabled bool
	LastRun  *storage.RunRecord
}

// Check loads the config at path, resolves every job against now and, when
// storage is configured, looks up each job's last recorded run.
func Check(ctx context.Context, path string, now time.Time) ([]PlanRow, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateJobs(cfg, logx.Nop()); err != nil {
		return nil, err
	}

	rows := make([]PlanRow, len(cfg.Jobs))
	for i, jc := range cfg.Jobs {
		rows[i] = PlanRow{Job: jc.Name, Kind: jc.Kind, Priority: jc.Priority, Disabled: jc.Disabled}
		if jc.Disabled {
			continue
		}
		p, err := jobs.Build(jc, now, logx.Nop())
		if err != nil {
			return nil, err
		}
		rows[i].FirstRun = p.FirstRun(now)
		rows[i].Every = p.Every
		rows[i].Jitter = p.Jitter
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, logx.Nop())
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		defer st.Close()

		g, gctx := errgroup.WithContext(ctx)
		for i := range rows {
			g.Go(func() error {
				rec, ok, err := st.LastRun(gctx, rows[i].Job)
				if err != nil {
					return fmt.Errorf("last run of %s: %w", rows[i].Job, err)
				}
				if ok {
					rows[i].LastRun = &rec
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Disabled != rows[j].Disabled {
			return !rows[i].Disabled
		}
		if !rows[i].FirstRun.Equal(rows[j].FirstRun) {
			return rows[i].FirstRun.Before(rows[j].FirstRun)
		}
		return rows[i].Priority < rows[j].Priority
	})
	return rows, nil
}

// WritePlan prints rows as an aligned table.
func WritePlan(w io.Writer, rows []PlanRow, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tKIND\tPRIO\tNEXT\tEVERY\tLAST RUN")
	for _, r := range rows {
		next := "disabled"
		if !r.Disabled {
			next = fmt.Sprintf("%s (%s)", r.FirstRun.Format(time.RFC3339), humanize.RelTime(r.FirstRun, now, "ago", "from now"))
		}
		every := "-"
		if r.Every > 0 {
			every = r.Every.String()
			if r.Jitter > 0 {
				every += fmt.Sprintf(" +%s", r.Jitter.Round(time.Second))
			}
		}
		last := "never"
		if r.LastRun != nil {
			status := "ok"
			if !r.LastRun.OK() {
				status = "failed: " + firstLine(r.LastRun.Error)
			}
			last = fmt.Sprintf("%s, %s", humanize.RelTime(r.LastRun.Started, now, "ago", "from now"), status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", r.Job, r.Kind, r.Priority, next, every, last)
	}
	return tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
