package backend

import (
	"errors"
	"testing"

	"github.com/licwatch/licwatch/internal/config"
)

func TestNew_AllTypes(t *testing.T) {
	global := config.GlobalConfig{}
	tests := []struct {
		src  config.Source
		want string
	}{
		{config.Source{Name: "a", Type: config.TypeDSLS, License: "4085@d1"}, "*backend.dslsBackend"},
		{config.Source{Name: "b", Type: config.TypeFlexLM, License: "27000@f1"}, "*backend.flexlmBackend"},
		{config.Source{Name: "c", Type: config.TypeHASP, License: "h1", HaspKey: "1"}, "*backend.haspBackend"},
		{config.Source{Name: "d", Type: config.TypeLicman20}, "*backend.licman20Backend"},
		{config.Source{Name: "e", Type: config.TypeLMX, License: "l1"}, "*backend.lmxBackend"},
		{config.Source{Name: "f", Type: config.TypeOLicense, License: "o1"}, "*backend.olicenseBackend"},
		{config.Source{Name: "g", Type: config.TypeRLM, License: "5053@r1", ISV: "v"}, "*backend.rlmBackend"},
	}

	for _, tt := range tests {
		b, err := New(tt.src, global)
		if err != nil {
			t.Errorf("New(%s) error = %v", tt.src.Type, err)
			continue
		}
		if b == nil {
			t.Errorf("New(%s) = nil backend", tt.src.Type)
		}
	}
}

func TestNew_UnsupportedType(t *testing.T) {
	if _, err := New(config.Source{Name: "x", Type: "sesame"}, config.GlobalConfig{}); err == nil {
		t.Fatal("New() should reject an unknown backend type")
	}
}

func TestFetchError(t *testing.T) {
	cause := errors.New("connection refused")
	err := fetchErr("cad", cause)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("fetchErr() = %T, want *FetchError", err)
	}
	if fe.Source != "cad" {
		t.Errorf("Source = %q, want %q", fe.Source, "cad")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}

	// Wrapping an existing FetchError keeps the original source.
	rewrapped := fetchErr("other", err)
	var fe2 *FetchError
	if !errors.As(rewrapped, &fe2) || fe2.Source != "cad" {
		t.Errorf("rewrapped Source = %q, want %q", fe2.Source, "cad")
	}
}
