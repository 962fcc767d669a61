// Package fetch owns the per-source snapshot cache. Reads within the
// freshness window are served from cache; an aged-out snapshot triggers one
// refresh that concurrent readers join, and a source whose refresh fails
// keeps serving its previous snapshot marked stale. Refreshes run on
// detached contexts so an impatient reader never cancels work another
// reader could use.
package fetch
