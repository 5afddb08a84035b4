package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"cloudnetproc/internal/config"
	"cloudnetproc/internal/domain"
)

var (
	ErrUnknownProduct = errors.New("unknown product")
	ErrInvalidGraph   = errors.New("invalid product graph")
)

type Kind string

const (
	KindInstrument  Kind = "instrument"
	KindGeophysical Kind = "geophysical"
	KindModel       Kind = "model"
	KindEvaluation  Kind = "evaluation"
)

const defaultEvaluationModel = "ecmwf"

// Descriptor is the capability record for one product identifier.
type Descriptor struct {
	ID                string
	Kind              Kind
	Upstream          []string
	SourceInstruments []string
	InstrumentScoped  bool
	Model             string
	Command           []string
	Experimental      bool
	BestEffort        bool
	AllowNewVersion   bool
	FreezeAfterDays   int
	// Derived lists the products that declare this one as upstream, in declaration order.
	Derived []string
}

func (d Descriptor) Accepts(instrumentType string) bool {
	return slices.Contains(d.SourceInstruments, instrumentType)
}

// Catalog maps product identifiers to descriptors. It is immutable after New.
type Catalog struct {
	order   []string
	byID    map[string]*Descriptor
	bundles map[string][]string
}

// New builds and validates the registry from configuration.
func New(cfg *config.Config) (*Catalog, error) {
	c := &Catalog{
		byID:    make(map[string]*Descriptor, len(cfg.Products)),
		bundles: cfg.Bundles,
	}
	for _, p := range cfg.Products {
		if _, ok := c.byID[p.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate product %s", ErrInvalidGraph, p.ID)
		}
		d := &Descriptor{
			ID:                p.ID,
			Kind:              Kind(p.Kind),
			Upstream:          slices.Clone(p.Upstream),
			SourceInstruments: slices.Clone(p.SourceInstruments),
			InstrumentScoped:  p.InstrumentScoped,
			Model:             p.Model,
			Command:           p.Command,
			Experimental:      p.Experimental,
			BestEffort:        p.BestEffort,
			AllowNewVersion:   true,
			FreezeAfterDays:   p.FreezeAfterDays,
		}
		if p.AllowNewVersion != nil {
			d.AllowNewVersion = *p.AllowNewVersion
		}
		if len(d.Command) == 0 {
			d.Command = cfg.Processing.Command
		}
		if d.Kind == KindEvaluation && d.Model == "" {
			d.Model = defaultEvaluationModel
		}
		if d.FreezeAfterDays == 0 {
			d.FreezeAfterDays = cfg.Freeze.AfterDays
			if d.Kind == KindModel {
				d.FreezeAfterDays = cfg.Freeze.ModelAfterDays
			}
		}
		c.byID[p.ID] = d
		c.order = append(c.order, p.ID)
	}
	for _, id := range c.order {
		d := c.byID[id]
		for _, up := range d.Upstream {
			u, ok := c.byID[up]
			if !ok {
				return nil, fmt.Errorf("%w: product %s depends on unknown product %s", ErrInvalidGraph, id, up)
			}
			u.Derived = append(u.Derived, id)
		}
	}
	if cycle := c.findCycle(); cycle != nil {
		return nil, fmt.Errorf("%w: cycle: %s", ErrInvalidGraph, strings.Join(cycle, " -> "))
	}
	for name, members := range c.bundles {
		for _, m := range members {
			if _, ok := c.byID[m]; !ok {
				return nil, fmt.Errorf("%w: bundle %s references unknown product %s", ErrInvalidGraph, name, m)
			}
		}
	}
	return c, nil
}

// findCycle runs a DFS over declaration order and returns one cycle witness.
func (c *Catalog) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := map[string]int{}
	var stack []string
	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, up := range c.byID[id].Upstream {
			switch color[up] {
			case white:
				if visit(up) {
					return true
				}
			case gray:
				start := slices.Index(stack, up)
				cycle = append(slices.Clone(stack[start:]), up)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, id := range c.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id string) (Descriptor, bool) {
	d, ok := c.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Lookup is Get returning a configuration error for unknown ids.
func (c *Catalog) Lookup(id string) (Descriptor, error) {
	d, ok := c.Get(id)
	if !ok {
		return Descriptor{}, domain.WrapConfig(ErrUnknownProduct, "unknown product: %s", id)
	}
	return d, nil
}

// Products returns every descriptor in declaration order.
func (c *Catalog) Products() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.byID[id])
	}
	return out
}

// OfKind returns the non-experimental products of a kind in declaration order.
func (c *Catalog) OfKind(kind Kind) []Descriptor {
	var out []Descriptor
	for _, id := range c.order {
		d := c.byID[id]
		if d.Kind == kind && !d.Experimental {
			out = append(out, *d)
		}
	}
	return out
}

// DerivedOf returns the non-experimental products computed from id.
func (c *Catalog) DerivedOf(id string) []Descriptor {
	d, ok := c.byID[id]
	if !ok {
		return nil
	}
	var out []Descriptor
	for _, child := range d.Derived {
		cd := c.byID[child]
		if !cd.Experimental {
			out = append(out, *cd)
		}
	}
	return out
}

// Expand resolves selectors (product ids, kind names, bundle names) into descriptors.
// Order follows the selectors; duplicates keep their first occurrence.
func (c *Catalog) Expand(selectors []string) ([]Descriptor, error) {
	if len(selectors) == 0 {
		return nil, domain.ConfigErrorf("no products selected")
	}
	seen := map[string]bool{}
	var out []Descriptor
	add := func(d Descriptor) {
		if seen[d.ID] {
			return
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	for _, raw := range selectors {
		for _, sel := range strings.Split(raw, ",") {
			sel = strings.TrimSpace(sel)
			if sel == "" {
				continue
			}
			switch {
			case isKind(sel):
				for _, d := range c.OfKind(Kind(sel)) {
					add(d)
				}
			case c.bundles[sel] != nil:
				for _, id := range c.bundles[sel] {
					add(*c.byID[id])
				}
			default:
				d, err := c.Lookup(sel)
				if err != nil {
					return nil, err
				}
				add(d)
			}
		}
	}
	if len(out) == 0 {
		return nil, domain.ConfigErrorf("no products selected")
	}
	return out, nil
}

func isKind(s string) bool {
	switch Kind(s) {
	case KindInstrument, KindGeophysical, KindModel, KindEvaluation:
		return true
	}
	return false
}
