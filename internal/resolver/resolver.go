package resolver

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/config"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/lifecycle"
	"cloudnetproc/internal/metadata"
)

// housekeepingMaxAge is how far back housekeeping data is still collected.
const housekeepingMaxAge = 3

// Request selects the fingerprints of one resolver pass.
type Request struct {
	Mode      domain.Mode
	Site      string
	Range     domain.DateRange
	Selectors []string
	// Instruments filters instrument fingerprints by pid or instrument type.
	Instruments []string
	Models      []string
	Options     domain.Options
	// UpdatedSince switches to raw-file driven selection: fingerprints come from raw
	// files updated within this window and Range is ignored.
	UpdatedSince time.Duration
}

type Resolver struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	Store   metadata.Store
	Now     func() time.Time
	Logger  *slog.Logger
}

func New(cfg *config.Config, cat *catalog.Catalog, store metadata.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Config: cfg, Catalog: cat, Store: store, Now: time.Now, Logger: logger}
}

func (r *Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

type plan struct {
	site     config.Site
	products []catalog.Descriptor
}

func (r *Resolver) preflight(req Request) (plan, error) {
	if _, err := domain.ParseMode(string(req.Mode)); err != nil {
		return plan{}, err
	}
	site, ok := r.Config.Site(req.Site)
	if !ok {
		return plan{}, domain.ConfigErrorf("unknown site: %s", req.Site)
	}
	products, err := r.Catalog.Expand(req.Selectors)
	if err != nil {
		return plan{}, err
	}
	if req.UpdatedSince < 0 {
		return plan{}, domain.ConfigErrorf("updated_since must be positive")
	}
	if req.UpdatedSince == 0 {
		if err := req.Range.Validate(); err != nil {
			return plan{}, err
		}
	}
	return plan{site: site, products: products}, nil
}

// Resolve validates the request and returns the lazy task sequence. Configuration errors
// are returned before any task is produced; metadata errors end the sequence.
// Tasks are ordered by date, then product selection order, then pid or model id.
func (r *Resolver) Resolve(ctx context.Context, req Request) (iter.Seq2[domain.Task, error], error) {
	p, err := r.preflight(req)
	if err != nil {
		return nil, err
	}
	if req.UpdatedSince > 0 {
		return r.resolveUpdated(ctx, req, p), nil
	}
	return func(yield func(domain.Task, error) bool) {
		for _, date := range req.Range.Days() {
			for _, d := range p.products {
				fps, err := r.expand(ctx, p.site, date, d, req)
				if err != nil {
					yield(domain.Task{}, err)
					return
				}
				for _, fp := range fps {
					task, err := r.Classify(ctx, fp, req.Mode, req.Options)
					if !yield(task, err) || err != nil {
						return
					}
				}
			}
		}
	}, nil
}

// ResolveAll drains Resolve, failing on the first error.
func (r *Resolver) ResolveAll(ctx context.Context, req Request) ([]domain.Task, error) {
	seq, err := r.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for task, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (r *Resolver) expand(ctx context.Context, site config.Site, date domain.Date, d catalog.Descriptor, req Request) ([]domain.Fingerprint, error) {
	base := domain.Fingerprint{Site: site.ID, Date: date, Product: d.ID}
	switch {
	case d.Kind == catalog.KindInstrument:
		pids, err := r.instrumentPIDs(ctx, site, date, d, req.Instruments)
		if err != nil {
			return nil, err
		}
		return withPIDs(base, pids), nil
	case d.Kind == catalog.KindModel:
		models := slices.Clone(req.Models)
		if len(models) == 0 {
			raw, err := r.Store.ListRawFiles(ctx, domain.RawFilter{Site: site.ID, Start: date, Stop: date})
			if err != nil {
				return nil, err
			}
			for _, rf := range raw {
				if rf.Model != "" && !slices.Contains(models, rf.Model) {
					models = append(models, rf.Model)
				}
			}
		}
		sort.Strings(models)
		out := make([]domain.Fingerprint, 0, len(models))
		for _, m := range models {
			fp := base
			fp.ModelID = m
			out = append(out, fp)
		}
		return out, nil
	case d.Kind == catalog.KindEvaluation:
		base.ModelID = d.Model
		return []domain.Fingerprint{base}, nil
	case d.InstrumentScoped:
		recs, err := r.Store.ListFiles(ctx, domain.FileFilter{Site: site.ID, Start: date, Stop: date, Products: d.Upstream})
		if err != nil {
			return nil, err
		}
		var pids []string
		for _, rec := range recs {
			pid := rec.Fingerprint.InstrumentPID
			if pid != "" && !slices.Contains(pids, pid) && matchesFilter(req.Instruments, pid, "") {
				pids = append(pids, pid)
			}
		}
		if len(pids) == 0 {
			// Reported as upstream_missing by classification.
			return []domain.Fingerprint{base}, nil
		}
		sort.Strings(pids)
		return withPIDs(base, pids), nil
	}
	return []domain.Fingerprint{base}, nil
}

func (r *Resolver) instrumentPIDs(ctx context.Context, site config.Site, date domain.Date, d catalog.Descriptor, filter []string) ([]string, error) {
	var pids []string
	for _, inst := range site.Instruments {
		if d.Accepts(inst.Type) && matchesFilter(filter, inst.PID, inst.Type) && !slices.Contains(pids, inst.PID) {
			pids = append(pids, inst.PID)
		}
	}
	if len(pids) == 0 && !siteHasInstrumentFor(site, d) {
		raw, err := r.Store.ListRawFiles(ctx, domain.RawFilter{Site: site.ID, Start: date, Stop: date, Instruments: d.SourceInstruments})
		if err != nil {
			return nil, err
		}
		for _, rf := range raw {
			if rf.InstrumentPID != "" && matchesFilter(filter, rf.InstrumentPID, rf.Instrument) && !slices.Contains(pids, rf.InstrumentPID) {
				pids = append(pids, rf.InstrumentPID)
			}
		}
	}
	sort.Strings(pids)
	return pids, nil
}

func siteHasInstrumentFor(site config.Site, d catalog.Descriptor) bool {
	for _, inst := range site.Instruments {
		if d.Accepts(inst.Type) {
			return true
		}
	}
	return false
}

func matchesFilter(filter []string, pid, instrumentType string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, pid) || (instrumentType != "" && slices.Contains(filter, instrumentType))
}

func withPIDs(base domain.Fingerprint, pids []string) []domain.Fingerprint {
	out := make([]domain.Fingerprint, 0, len(pids))
	for _, pid := range pids {
		fp := base
		fp.InstrumentPID = pid
		out = append(out, fp)
	}
	return out
}

// resolveUpdated derives fingerprints from recently updated raw files.
func (r *Resolver) resolveUpdated(ctx context.Context, req Request, p plan) iter.Seq2[domain.Task, error] {
	return func(yield func(domain.Task, error) bool) {
		since := r.now().Add(-req.UpdatedSince)
		raw, err := r.Store.ListRawFiles(ctx, domain.RawFilter{Site: p.site.ID, UpdatedSince: since})
		if err != nil {
			yield(domain.Task{}, err)
			return
		}
		order := map[string]int{}
		for i, d := range p.products {
			order[d.ID] = i
		}
		seen := map[domain.Fingerprint]bool{}
		var fps []domain.Fingerprint
		for _, rf := range raw {
			if isHousekeepingOnly(rf.Filename) {
				continue
			}
			for _, d := range p.products {
				fp := domain.Fingerprint{Site: rf.Site, Date: rf.Date, Product: d.ID}
				switch {
				case d.Kind == catalog.KindInstrument && rf.Instrument != "" && d.Accepts(rf.Instrument):
					if !matchesFilter(req.Instruments, rf.InstrumentPID, rf.Instrument) {
						continue
					}
					fp.InstrumentPID = rf.InstrumentPID
				case d.Kind == catalog.KindModel && rf.Model != "":
					if len(req.Models) > 0 && !slices.Contains(req.Models, rf.Model) {
						continue
					}
					fp.ModelID = rf.Model
				default:
					continue
				}
				if !seen[fp] {
					seen[fp] = true
					fps = append(fps, fp)
				}
			}
		}
		sort.Slice(fps, func(i, j int) bool {
			a, b := fps[i], fps[j]
			if a.Date != b.Date {
				return a.Date.Before(b.Date)
			}
			if order[a.Product] != order[b.Product] {
				return order[a.Product] < order[b.Product]
			}
			return a.InstrumentPID+a.ModelID < b.InstrumentPID+b.ModelID
		})
		for _, fp := range fps {
			task, err := r.Classify(ctx, fp, req.Mode, req.Options)
			if !yield(task, err) || err != nil {
				return
			}
		}
	}
}

func isHousekeepingOnly(filename string) bool {
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".lv0") || strings.HasSuffix(lower, ".hkd")
}

// Classify evaluates one fingerprint against fresh metadata.
func (r *Resolver) Classify(ctx context.Context, fp domain.Fingerprint, mode domain.Mode, opts domain.Options) (domain.Task, error) {
	d, err := r.Catalog.Lookup(fp.Product)
	if err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{Fingerprint: fp, Mode: mode, Options: opts}
	recs, err := r.Store.FileVersions(ctx, fp)
	if err != nil {
		return domain.Task{}, err
	}
	snap := lifecycle.NewSnapshot(recs)
	task.Expected, task.ExpectedStable = lifecycle.Expectation(snap)

	if mode == domain.ModeHousekeeping {
		if d.Kind != catalog.KindInstrument {
			return skip(task, domain.ReasonUnsupported), nil
		}
		if fp.Date.DaysUntil(domain.DateOf(r.now())) > housekeepingMaxAge {
			return skip(task, domain.ReasonTooOld), nil
		}
	}

	in := lifecycle.Input{
		Mode:            mode,
		Options:         opts,
		AllowNewVersion: d.AllowNewVersion,
		FreezeDue:       lifecycle.FreezeDue(snap.Volatile, d.FreezeAfterDays, r.now()),
	}
	var missing domain.Reason
	if mode == domain.ModeProcess {
		inputs, err := r.GatherInputs(ctx, fp)
		if err != nil {
			return domain.Task{}, err
		}
		in.LatestInput = inputs.Latest
		task.LatestInput = inputs.Latest
		missing = inputs.Missing
	}
	task.Action, task.Reason = lifecycle.Decide(snap, in)
	if task.Action.Mutates() && missing != domain.ReasonNone {
		task = skip(task, missing)
	}
	r.Logger.Debug("classified", "fingerprint", fp.String(), "state", snap.State(), "action", task.Action, "reason", task.Reason)
	return task, nil
}

func skip(t domain.Task, reason domain.Reason) domain.Task {
	t.Action = domain.ActionSkip
	t.Reason = reason
	return t
}
