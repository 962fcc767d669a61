package aggregate

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/licwatch/licwatch/internal/backend"
	"github.com/licwatch/licwatch/internal/config"
	"github.com/licwatch/licwatch/internal/fetch"
)

// snapshotter is the slice of the fetch scheduler the aggregator needs.
type snapshotter interface {
	Get(ctx context.Context, name string) fetch.Lookup
	Sources() []config.Source
}

// SourceView is one source's contribution to the merged view.
type SourceView struct {
	Name     string
	Backend  config.BackendType
	Health   string
	Err      error
	Features []backend.FeatureUsage
}

// Aggregator merges per-source snapshots into one deterministic view:
// sources in declared config order, features sorted by identifier, excluded
// features filtered out, and session detail stripped unless the source opted
// into user export.
type Aggregator struct {
	sched snapshotter
}

func New(sched snapshotter) *Aggregator {
	return &Aggregator{sched: sched}
}

// View collects the current (or refreshed) snapshot of every source. Sources
// are fetched in parallel; a slow or failing source degrades only its own
// entry, never the view as a whole.
func (a *Aggregator) View(ctx context.Context) []SourceView {
	sources := a.sched.Sources()
	views := make([]SourceView, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			views[i] = a.viewSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return views
}

func (a *Aggregator) viewSource(ctx context.Context, src config.Source) SourceView {
	res := a.sched.Get(ctx, src.Name)

	view := SourceView{
		Name:    src.Name,
		Backend: src.Type,
		Health:  res.Health,
		Err:     res.Err,
	}
	if res.Snap == nil {
		return view
	}

	for _, f := range res.Snap.Features {
		if src.Excluded(f.Name) {
			continue
		}
		if !src.ExportUser {
			// The cached snapshot is shared between readers; strip
			// sessions on a copy, never in place.
			f.Sessions = nil
		}
		view.Features = append(view.Features, f)
	}
	sort.Slice(view.Features, func(i, j int) bool {
		return view.Features[i].Name < view.Features[j].Name
	})
	return view
}
