package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/licwatch/licwatch/internal/backend"
	"github.com/licwatch/licwatch/internal/config"
	"github.com/licwatch/licwatch/internal/fetch"
)

// fakeSched serves canned lookups keyed by source name.
type fakeSched struct {
	sources []config.Source
	lookups map[string]fetch.Lookup
}

func (f *fakeSched) Sources() []config.Source { return f.sources }

func (f *fakeSched) Get(_ context.Context, name string) fetch.Lookup {
	if l, ok := f.lookups[name]; ok {
		return l
	}
	return fetch.Lookup{Health: fetch.HealthError, Err: errors.New("unknown source")}
}

func snap(name string, features ...backend.FeatureUsage) *fetch.Snapshot {
	return &fetch.Snapshot{Source: name, Taken: time.Now(), Features: features}
}

func TestView_DeterministicOrder(t *testing.T) {
	sched := &fakeSched{
		sources: []config.Source{
			{Name: "zeta", Type: config.TypeFlexLM},
			{Name: "alpha", Type: config.TypeRLM},
		},
		lookups: map[string]fetch.Lookup{
			"zeta": {Health: fetch.HealthOK, Snap: snap("zeta",
				backend.FeatureUsage{Name: "b_feat", Total: 5, Used: 1},
				backend.FeatureUsage{Name: "a_feat", Total: 10, Used: 3},
			)},
			"alpha": {Health: fetch.HealthOK, Snap: snap("alpha",
				backend.FeatureUsage{Name: "x_feat", Total: 2, Used: 0},
			)},
		},
	}

	views := New(sched).View(context.Background())

	if len(views) != 2 {
		t.Fatalf("len(views) = %d, want 2", len(views))
	}
	// Declared config order, not alphabetical.
	if views[0].Name != "zeta" || views[1].Name != "alpha" {
		t.Errorf("source order = [%s %s], want [zeta alpha]", views[0].Name, views[1].Name)
	}
	// Features sorted by identifier within a source.
	if views[0].Features[0].Name != "a_feat" || views[0].Features[1].Name != "b_feat" {
		t.Errorf("feature order = %+v, want a_feat before b_feat", views[0].Features)
	}
}

func TestView_ExclusionFilter(t *testing.T) {
	sched := &fakeSched{
		sources: []config.Source{
			{Name: "cad", Type: config.TypeFlexLM, ExcludedFeatures: []string{"SECRET"}},
		},
		lookups: map[string]fetch.Lookup{
			"cad": {Health: fetch.HealthOK, Snap: snap("cad",
				backend.FeatureUsage{Name: "MODELER", Total: 10, Used: 3},
				backend.FeatureUsage{Name: "SECRET", Total: 1, Used: 1},
			)},
		},
	}

	views := New(sched).View(context.Background())

	if len(views[0].Features) != 1 {
		t.Fatalf("len(features) = %d, want 1", len(views[0].Features))
	}
	if views[0].Features[0].Name != "MODELER" {
		t.Errorf("surviving feature = %q, want MODELER", views[0].Features[0].Name)
	}
}

func TestView_SessionsStrippedWithoutUserExport(t *testing.T) {
	shared := snap("cad", backend.FeatureUsage{
		Name: "MODELER", Total: 10, Used: 3,
		Sessions: []backend.Session{{User: "alice", Count: 1}},
	})
	sched := &fakeSched{
		sources: []config.Source{{Name: "cad", Type: config.TypeFlexLM}},
		lookups: map[string]fetch.Lookup{"cad": {Health: fetch.HealthOK, Snap: shared}},
	}

	views := New(sched).View(context.Background())

	if got := views[0].Features[0].Sessions; got != nil {
		t.Errorf("sessions = %+v, want nil without export_user", got)
	}
	// The shared snapshot must stay intact.
	if len(shared.Features[0].Sessions) != 1 {
		t.Error("aggregation mutated the cached snapshot")
	}
}

func TestView_SessionsKeptWithUserExport(t *testing.T) {
	sched := &fakeSched{
		sources: []config.Source{{Name: "cad", Type: config.TypeFlexLM, ExportUser: true}},
		lookups: map[string]fetch.Lookup{
			"cad": {Health: fetch.HealthOK, Snap: snap("cad", backend.FeatureUsage{
				Name: "MODELER", Total: 10, Used: 3,
				Sessions: []backend.Session{{User: "alice", Count: 1}},
			})},
		},
	}

	views := New(sched).View(context.Background())

	if got := views[0].Features[0].Sessions; len(got) != 1 || got[0].User != "alice" {
		t.Errorf("sessions = %+v, want alice's session kept", got)
	}
}

func TestView_FailingSourceDegradesAlone(t *testing.T) {
	sched := &fakeSched{
		sources: []config.Source{
			{Name: "ok", Type: config.TypeFlexLM},
			{Name: "down", Type: config.TypeRLM},
		},
		lookups: map[string]fetch.Lookup{
			"ok": {Health: fetch.HealthOK, Snap: snap("ok",
				backend.FeatureUsage{Name: "MODELER", Total: 10, Used: 3})},
			"down": {Health: fetch.HealthError, Err: errors.New("server unreachable")},
		},
	}

	views := New(sched).View(context.Background())

	if views[0].Health != fetch.HealthOK || len(views[0].Features) != 1 {
		t.Errorf("healthy view = %+v, want intact data", views[0])
	}
	if views[1].Health != fetch.HealthError || views[1].Err == nil {
		t.Errorf("failing view = %+v, want error health", views[1])
	}
	if len(views[1].Features) != 0 {
		t.Errorf("failing view has %d features, want 0", len(views[1].Features))
	}
}
