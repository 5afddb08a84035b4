package resolver

import (
	"context"
	"time"

	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/domain"
)

// Inputs are the raw files and upstream records a fingerprint is processed from.
type Inputs struct {
	RawFiles []domain.RawFile
	Upstream []domain.FileRecord
	// Latest is the newest input timestamp; nil when no inputs exist.
	Latest *time.Time
	// Missing is upstream_missing or raw_missing when processing cannot start.
	Missing domain.Reason
}

// GatherInputs collects the current inputs of fp. Upstream products must have a
// volatile or stable record for the same day; instrument and model products need raw files.
func (r *Resolver) GatherInputs(ctx context.Context, fp domain.Fingerprint) (Inputs, error) {
	d, err := r.Catalog.Lookup(fp.Product)
	if err != nil {
		return Inputs{}, err
	}
	var in Inputs
	for _, upID := range d.Upstream {
		up, _ := r.Catalog.Get(upID)
		filter := domain.FileFilter{Site: fp.Site, Start: fp.Date, Stop: fp.Date, Products: []string{upID}}
		if d.InstrumentScoped && up.Kind == catalog.KindInstrument {
			filter.InstrumentPID = fp.InstrumentPID
		}
		if up.Kind == catalog.KindModel && fp.ModelID != "" {
			filter.ModelID = fp.ModelID
		}
		recs, err := r.Store.ListFiles(ctx, filter)
		if err != nil {
			return Inputs{}, err
		}
		current := currentRecords(recs)
		if len(current) == 0 || (d.InstrumentScoped && up.Kind == catalog.KindInstrument && fp.InstrumentPID == "") {
			in.Missing = domain.ReasonUpstreamMissing
			continue
		}
		for _, rec := range current {
			in.Upstream = append(in.Upstream, rec)
			in.Latest = later(in.Latest, rec.UpdatedAt)
		}
	}
	if d.Kind == catalog.KindInstrument || d.Kind == catalog.KindModel {
		filter := domain.RawFilter{Site: fp.Site, Start: fp.Date, Stop: fp.Date, InstrumentPID: fp.InstrumentPID, Model: fp.ModelID}
		if fp.InstrumentPID == "" && d.Kind == catalog.KindInstrument {
			filter.Instruments = d.SourceInstruments
		}
		raw, err := r.Store.ListRawFiles(ctx, filter)
		if err != nil {
			return Inputs{}, err
		}
		for _, rf := range raw {
			if d.Kind == catalog.KindModel && rf.Model == "" {
				continue
			}
			in.RawFiles = append(in.RawFiles, rf)
			in.Latest = later(in.Latest, rf.UpdatedAt)
		}
		if len(in.RawFiles) == 0 && in.Missing == domain.ReasonNone {
			in.Missing = domain.ReasonRawMissing
		}
	}
	return in, nil
}

// currentRecords keeps the volatile record, else the highest stable version, per fingerprint.
func currentRecords(recs []domain.FileRecord) []domain.FileRecord {
	idx := map[domain.Fingerprint]int{}
	var out []domain.FileRecord
	for _, rec := range recs {
		i, ok := idx[rec.Fingerprint]
		if !ok {
			idx[rec.Fingerprint] = len(out)
			out = append(out, rec)
			continue
		}
		cur := out[i]
		if cur.IsVolatile() {
			continue
		}
		if rec.IsVolatile() || rec.Version > cur.Version {
			out[i] = rec
		}
	}
	return out
}

func later(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}
