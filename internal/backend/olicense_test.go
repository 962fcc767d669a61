package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/licwatch/licwatch/internal/config"
)

// olicenseStatusXML is a realistic LicenseStatusXML document. The same
// feature name appears once per version range.
const olicenseStatusXML = `<?xml version="1.0" encoding="UTF-8"?>
<olicense>
  <serverVersion>4.8.0</serverVersion>
  <licenses>
    <license>
      <licenser>ACME</licenser>
      <name>MODELER</name>
      <module>
        <name>base</name>
      </module>
      <versionRange>1.0-2.0</versionRange>
      <floatCount>10</floatCount>
      <floatsLocked>3</floatsLocked>
      <floatsLockedBy>alice@wks001 #1, bob@wks002 #2</floatsLockedBy>
      <expiration>2026-12-31</expiration>
    </license>
    <license>
      <licenser>ACME</licenser>
      <name>MODELER</name>
      <versionRange>3.0</versionRange>
      <floatCount>5</floatCount>
      <floatsLocked>1</floatsLocked>
      <floatsLockedBy>@wks003 #1</floatsLockedBy>
      <expiration>2026-12-31</expiration>
    </license>
    <license>
      <licenser>ACME</licenser>
      <name>SOLVER</name>
      <versionRange>1.0</versionRange>
      <floatCount>4</floatCount>
      <floatsLocked>0</floatsLocked>
      <expiration>2026-12-31</expiration>
    </license>
  </licenses>
</olicense>
`

func TestParseOlicenseXML(t *testing.T) {
	src := config.Source{Name: "calc", Type: config.TypeOLicense, ExportUser: true}

	features, err := parseOlicenseXML(src, olicenseStatusXML)
	if err != nil {
		t.Fatalf("parseOlicenseXML() error = %v", err)
	}
	if len(features) != 2 {
		t.Fatalf("len(features) = %d, want 2", len(features))
	}

	modeler := features[0]
	if modeler.Name != "MODELER" || modeler.Total != 15 || modeler.Used != 4 {
		t.Errorf("MODELER = %+v, want {MODELER 15 4}", modeler)
	}
	if len(modeler.Sessions) != 3 {
		t.Fatalf("len(MODELER.Sessions) = %d, want 3", len(modeler.Sessions))
	}
	if s := modeler.Sessions[1]; s.User != "bob" || s.Host != "wks002" || s.Count != 2 {
		t.Errorf("session[1] = %+v, want bob@wks002 x2", s)
	}
	// OLicense sometimes reports a checkout without a user name.
	if s := modeler.Sessions[2]; s.User != "" || s.Host != "wks003" || s.Count != 1 {
		t.Errorf("session[2] = %+v, want @wks003 x1", s)
	}

	if solver := features[1]; solver.Name != "SOLVER" || solver.Total != 4 || solver.Used != 0 {
		t.Errorf("SOLVER = %+v, want {SOLVER 4 0}", solver)
	}
}

func TestParseOlicenseXML_NoUserExport(t *testing.T) {
	src := config.Source{Name: "calc", Type: config.TypeOLicense}

	features, err := parseOlicenseXML(src, olicenseStatusXML)
	if err != nil {
		t.Fatalf("parseOlicenseXML() error = %v", err)
	}
	for _, f := range features {
		if len(f.Sessions) != 0 {
			t.Errorf("feature %s has %d sessions, want 0", f.Name, len(f.Sessions))
		}
	}
}

func TestOlicenseFetch_WalksPastFailingServer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs need a POSIX shell")
	}
	dir := t.TempDir()
	calls := filepath.Join(dir, "calls")
	stub := writeStub(t, dir, "curl", fmt.Sprintf(`echo "$3" >> %q
case "$3" in
*olic1*) echo "curl: (7) Failed to connect" >&2; exit 7 ;;
*) cat <<'PAYLOAD'
%sPAYLOAD
;;
esac`, calls, olicenseStatusXML))

	b := &olicenseBackend{
		src:  config.Source{Name: "calc", Type: config.TypeOLicense, License: "8080@olic1:8080@olic2:8080@olic3"},
		curl: stub,
	}

	features, err := b.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(features) != 2 || features[0].Name != "MODELER" || features[0].Total != 15 {
		t.Errorf("features = %+v, want MODELER 15 and SOLVER", features)
	}

	// The unreachable first member is skipped; the walk stops at the second.
	want := []string{
		"http://olic1:8080/LicenseStatusXML",
		"http://olic2:8080/LicenseStatusXML",
	}
	if got := spawnLog(t, calls); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("spawns = %v, want %v", got, want)
	}
}

func TestOlicenseFetch_AllServersFail(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs need a POSIX shell")
	}
	stub := writeStub(t, t.TempDir(), "curl", `echo "curl: (7) Failed to connect to $3" >&2; exit 7`)

	b := &olicenseBackend{
		src:  config.Source{Name: "calc", Type: config.TypeOLicense, License: "8080@olic1:8080@olic2:8080@olic3"},
		curl: stub,
	}

	_, err := b.Fetch(context.Background())
	if err == nil {
		t.Fatal("Fetch() should fail when every server is down")
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Source != "calc" {
		t.Fatalf("err = %v, want *FetchError for source calc", err)
	}
	if !strings.Contains(err.Error(), "olic3") {
		t.Errorf("err = %v, want it to carry the last server's failure", err)
	}
}

func TestParseOlicenseCheckouts(t *testing.T) {
	sessions := parseOlicenseCheckouts("calc", "alice@wks001 #1, @wks003 #2, not a checkout")
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if s := sessions[0]; s.User != "alice" || s.Host != "wks001" || s.Count != 1 {
		t.Errorf("sessions[0] = %+v, want alice@wks001 x1", s)
	}
	if s := sessions[1]; s.User != "" || s.Host != "wks003" || s.Count != 2 {
		t.Errorf("sessions[1] = %+v, want @wks003 x2", s)
	}
}
