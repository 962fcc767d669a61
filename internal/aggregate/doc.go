// Package aggregate turns the per-source snapshot cache into the single
// merged view the exporter renders. The view is deterministic for a given
// set of snapshots: declared source order, feature order by identifier.
package aggregate
