package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/licwatch/licwatch/internal/config"
)

// FeatureUsage is the normalized usage record for one licensable feature:
// total issued seats, seats currently checked out, and, when the source has
// export_user enabled, the individual checkout sessions.
type FeatureUsage struct {
	// Name identifies the feature. Most ecosystems use a feature name;
	// HASP exposes only a numeric id.
	Name  string
	Total int64
	Used  int64

	// Sessions holds per-checkout detail. Left empty unless the source
	// requested user export.
	Sessions []Session
}

// Session is one user's checkout of a feature.
type Session struct {
	User  string
	Host  string
	Count int64

	// Since is the checkout time. Zero when the query tool does not
	// report one.
	Since time.Time
}

// Backend is the common interface implemented by every ecosystem adapter.
// Fetch invokes the ecosystem's external query tool and parses its output
// into usage records. It honors ctx for cancellation and deadline; a failed
// invocation or unparsable output yields a *FetchError.
type Backend interface {
	Fetch(ctx context.Context) ([]FeatureUsage, error)
}

// FetchError reports a failed fetch attempt for one source. It is never
// fatal: the scheduler records it as the source's health status and keeps
// serving the previous snapshot.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("backend %q: %s", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// fetchErr wraps err into a *FetchError for the given source, passing
// through an existing *FetchError unchanged.
func fetchErr(source string, err error) error {
	if fe, ok := err.(*FetchError); ok {
		return fe
	}
	return &FetchError{Source: source, Err: err}
}

// New returns the adapter for the given source. It resolves the query-tool
// path from the global section once; tests substitute stub executables by
// pointing the relevant global field at them.
func New(src config.Source, global config.GlobalConfig) (Backend, error) {
	tool := global.Tool(src.Type)
	switch src.Type {
	case config.TypeDSLS:
		return &dslsBackend{src: src, tool: tool}, nil
	case config.TypeFlexLM:
		return &flexlmBackend{src: src, tool: tool}, nil
	case config.TypeHASP:
		return &haspBackend{src: src, curl: tool}, nil
	case config.TypeLicman20:
		return &licman20Backend{src: src, tool: tool}, nil
	case config.TypeLMX:
		return &lmxBackend{src: src, tool: tool}, nil
	case config.TypeOLicense:
		return &olicenseBackend{src: src, curl: tool}, nil
	case config.TypeRLM:
		return &rlmBackend{src: src, tool: tool}, nil
	default:
		return nil, fmt.Errorf("backend: unsupported type %q", src.Type)
	}
}
