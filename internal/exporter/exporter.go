package exporter

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/licwatch/licwatch/internal/aggregate"
	"github.com/licwatch/licwatch/internal/fetch"
)

const namespace = "license"

var (
	descFeatureIssued = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "feature", "issued"),
		"Total number of issued license seats for a feature.",
		[]string{"app", "backend", "name"}, nil,
	)
	descFeatureUsed = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "feature", "used"),
		"Number of license seats currently checked out for a feature.",
		[]string{"app", "backend", "name"}, nil,
	)
	descFeatureUsedUsers = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "feature", "used_users"),
		"Number of license seats checked out per user.",
		[]string{"app", "backend", "name", "user"}, nil,
	)
	descSourceUp = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "up"),
		"Whether usage data for the source is available.",
		[]string{"app", "backend"}, nil,
	)
	descSourceStale = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "stale"),
		"Whether the served usage data is a stale snapshot.",
		[]string{"app", "backend"}, nil,
	)
)

// viewer is the slice of the aggregator the collector needs.
type viewer interface {
	View(ctx context.Context) []aggregate.SourceView
}

// Collector renders the aggregated view as Prometheus metrics. One Collector
// is built per scrape so the request's context (and its scrape timeout)
// bounds the collection.
type Collector struct {
	ctx  context.Context
	view viewer
}

func New(ctx context.Context, view viewer) *Collector {
	return &Collector{ctx: ctx, view: view}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descFeatureIssued
	ch <- descFeatureUsed
	ch <- descFeatureUsedUsers
	ch <- descSourceUp
	ch <- descSourceStale
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, view := range c.view.View(c.ctx) {
		app := view.Name
		be := string(view.Backend)

		up := 0.0
		if view.Health != fetch.HealthError {
			up = 1.0
		}
		stale := 0.0
		if view.Health == fetch.HealthStale {
			stale = 1.0
		}
		ch <- prometheus.MustNewConstMetric(descSourceUp, prometheus.GaugeValue, up, app, be)
		ch <- prometheus.MustNewConstMetric(descSourceStale, prometheus.GaugeValue, stale, app, be)

		seen := make(map[string]bool, len(view.Features))
		for _, f := range view.Features {
			// The view is sorted and normally unique per name; guard
			// against a malformed tool output producing duplicates,
			// which the registry would reject.
			if seen[f.Name] {
				continue
			}
			seen[f.Name] = true

			ch <- prometheus.MustNewConstMetric(descFeatureIssued, prometheus.GaugeValue, float64(f.Total), app, be, f.Name)
			ch <- prometheus.MustNewConstMetric(descFeatureUsed, prometheus.GaugeValue, float64(f.Used), app, be, f.Name)

			if len(f.Sessions) == 0 {
				continue
			}
			perUser := make(map[string]int64)
			var users []string
			for _, sess := range f.Sessions {
				if _, ok := perUser[sess.User]; !ok {
					users = append(users, sess.User)
				}
				perUser[sess.User] += sess.Count
			}
			for _, user := range users {
				ch <- prometheus.MustNewConstMetric(descFeatureUsedUsers, prometheus.GaugeValue, float64(perUser[user]), app, be, f.Name, user)
			}
		}
	}
}
