// Package exporter renders the aggregated license-usage view in Prometheus
// exposition format. All metric families are canonical across ecosystems;
// the backend label tells them apart.
package exporter
