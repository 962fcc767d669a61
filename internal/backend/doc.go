// Package backend adapts the supported license-management ecosystems to one
// normalized feature-usage model. Every adapter works the same way: spawn the
// ecosystem's external query tool, parse its output with the grammar that
// tool actually produces, and return FeatureUsage records. No license-server
// wire protocol is spoken in-process.
package backend
