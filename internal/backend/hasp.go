package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/licwatch/licwatch/internal/config"
)

const defaultHaspPort = "1947"

// haspRecord is one object from the sentinel ACC tab endpoints. Feature
// records carry logl/logc (seat limit and count), session records carry usr.
// All values arrive as strings.
type haspRecord struct {
	Fid  *string `json:"fid"`
	Lic  *string `json:"lic"`
	Logc *string `json:"logc"`
	Logl *string `json:"logl"`
	Usr  *string `json:"usr"`
}

type haspBackend struct {
	src  config.Source
	curl string
}

// Fetch queries the sentinel ACC over HTTP via curl. The feature and session
// tabs go into one curl invocation; -w appends a comma after each body so
// the concatenated payloads splice into a single well-formed array.
func (b *haspBackend) Fetch(ctx context.Context) ([]FeatureUsage, error) {
	host, port := splitHostPort(b.src.License, defaultHaspPort)

	args := []string{"-s", "-f", "-w", ","}
	if a := b.src.Authentication; a != nil {
		args = append(args, "--user", a.Username+":"+a.Password)
	}
	args = append(args, fmt.Sprintf("http://%s:%s/_int_/tab_feat.html?haspid=%s", host, port, b.src.HaspKey))
	if b.src.ExportUser {
		args = append(args, fmt.Sprintf("http://%s:%s/_int_/tab_sessions.html?haspid=%s", host, port, b.src.HaspKey))
	}

	stdout, _, err := runTool(ctx, b.curl, "", args...)
	if err != nil {
		return nil, fetchErr(b.src.Name, err)
	}

	features, err := parseHasp(b.src, stdout)
	if err != nil {
		return nil, fetchErr(b.src.Name, err)
	}
	return features, nil
}

var reCStyleComment = regexp.MustCompile(`/\*.*?\*/`)

// massageHasp repairs the ACC payload: it is JSON except for C-style
// comments and the missing array brackets. Line breaks go first so the
// comment regexp stays single-line.
func massageHasp(raw string) string {
	s := strings.NewReplacer("\r", "", "\n", "").Replace(raw)
	s = reCStyleComment.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ",")
	return "[ " + s + " ]"
}

// parseHasp decodes the massaged payload and splits it into feature records
// and session records. HASP features are identified by their numeric id: the
// id is stable across ACC releases where the display name is not.
func parseHasp(src config.Source, raw string) ([]FeatureUsage, error) {
	var records []haspRecord
	if err := json.Unmarshal([]byte(massageHasp(raw)), &records); err != nil {
		return nil, fmt.Errorf("hasp payload: %w", err)
	}

	var features []FeatureUsage
	index := make(map[string]int)

	for _, rec := range records {
		if rec.Fid == nil {
			continue
		}
		fid := *rec.Fid

		switch {
		case rec.Logl != nil:
			if rec.Logc == nil {
				anomaly(src.Name, "feature record without logc", "fid", fid)
				continue
			}
			total := parseCount(src.Name, *rec.Logl)
			used := parseCount(src.Name, *rec.Logc)
			checkSeatCounts(src.Name, fid, total, used)

			i, seen := index[fid]
			if !seen {
				features = append(features, FeatureUsage{Name: fid})
				i = len(features) - 1
				index[fid] = i
			}
			features[i].Total = total
			features[i].Used = used

		case rec.Usr != nil:
			if !src.ExportUser {
				continue
			}
			i, seen := index[fid]
			if !seen {
				anomaly(src.Name, "session for unknown feature", "fid", fid)
				continue
			}
			features[i].Sessions = append(features[i].Sessions, Session{
				User:  *rec.Usr,
				Count: 1,
			})
		}
	}
	return features, nil
}
