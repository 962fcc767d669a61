package backend

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/licwatch/licwatch/internal/config"
)

const defaultOlicensePort = "8080"

//   user@host #3  (the user part may be empty)
var reOlicenseCheckout = regexp.MustCompile(`^([a-zA-Z0-9_.+-]*)@([a-zA-Z0-9._-]+)\s+#(\d+)$`)

type olicenseBackend struct {
	src  config.Source
	curl string
}

// Fetch queries the OLicense status endpoint via curl, walking the server
// list and taking the first healthy answer.
func (b *olicenseBackend) Fetch(ctx context.Context) ([]FeatureUsage, error) {
	var lastErr error
	for _, server := range strings.Split(b.src.License, ":") {
		host, port := splitHostPort(server, defaultOlicensePort)

		stdout, _, err := runTool(ctx, b.curl, "", "-s", "-f",
			fmt.Sprintf("http://%s:%s/LicenseStatusXML", host, port))
		if err != nil {
			lastErr = err
			continue
		}

		features, err := parseOlicenseXML(b.src, stdout)
		if err != nil {
			lastErr = err
			continue
		}
		return features, nil
	}
	return nil, fetchErr(b.src.Name, lastErr)
}

// parseOlicenseXML walks the LicenseStatusXML document. Each license element
// describes one feature version range; counts for the same feature name sum
// across ranges. The name element doubles as the module name when nested
// inside a module element, so the walk tracks that nesting.
func parseOlicenseXML(src config.Source, out string) ([]FeatureUsage, error) {
	var (
		features []FeatureUsage
		index    = make(map[string]int)

		inLicense bool
		inModule  bool
		field     string

		name        string
		total, used int64
		sessions    []Session
	)

	flush := func() {
		if name == "" {
			return
		}
		i, seen := index[name]
		if !seen {
			features = append(features, FeatureUsage{Name: name})
			i = len(features) - 1
			index[name] = i
		}
		features[i].Total += total
		features[i].Used += used
		checkSeatCounts(src.Name, name, features[i].Total, features[i].Used)
		if src.ExportUser {
			features[i].Sessions = append(features[i].Sessions, sessions...)
		}
	}

	dec := xml.NewDecoder(strings.NewReader(out))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("olicense payload: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "license":
				inLicense = true
				name, total, used, sessions = "", 0, 0, nil
			case "module":
				inModule = true
				field = ""
			case "name":
				if inModule {
					field = ""
				} else {
					field = "name"
				}
			case "floatCount", "floatsLocked", "floatsLockedBy":
				field = t.Name.Local
			default:
				field = ""
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "license":
				if inLicense {
					flush()
				}
				inLicense = false
			case "module":
				inModule = false
			}
			field = ""

		case xml.CharData:
			if !inLicense {
				continue
			}
			value := strings.TrimSpace(string(t))
			if value == "" {
				continue
			}
			switch field {
			case "name":
				name = value
			case "floatCount":
				total = parseCount(src.Name, value)
			case "floatsLocked":
				used = parseCount(src.Name, value)
			case "floatsLockedBy":
				sessions = parseOlicenseCheckouts(src.Name, value)
			}
		}
	}
	return features, nil
}

// parseOlicenseCheckouts splits the floatsLockedBy value, a comma-separated
// list of user@host #count entries. The user part is sometimes empty.
func parseOlicenseCheckouts(source, raw string) []Session {
	var sessions []Session
	for _, entry := range strings.Split(raw, ",") {
		m := reOlicenseCheckout.FindStringSubmatch(strings.TrimSpace(entry))
		if m == nil {
			continue
		}
		sessions = append(sessions, Session{
			User:  m[1],
			Host:  m[2],
			Count: parseCount(source, m[3]),
		})
	}
	return sessions
}
