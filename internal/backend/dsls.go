package backend

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/licwatch/licwatch/internal/config"
)

// dslicsrv echoes the admin-shell prompts around its command output; the
// CSV payload sits between the getLicenseUsage echo and the quit echo.
var (
	reDslsReady = regexp.MustCompile(`^\s+Ready:\s+(\w+)`)

	dslsCSVStart = "admin >getLicenseUsage -csv"
	dslsCSVEnd   = "admin >quit"
)

// getLicenseUsage -csv columns. One row per feature, or per session when the
// server reports per-user detail (then the feature columns repeat).
const (
	dslsColFeature = 2
	dslsColCount   = 11
	dslsColInuse   = 12
	dslsColHost    = 15
	dslsColUser    = 16
)

type dslsBackend struct {
	src  config.Source
	tool string
}

// Fetch walks the source's server list, driving the dslicsrv admin shell
// against each in turn, and returns usage from the first server that reports
// itself ready. DSLS redundant triples replicate state, so one healthy
// answer is the complete picture.
func (b *dslsBackend) Fetch(ctx context.Context) ([]FeatureUsage, error) {
	var lastErr error
	for _, server := range strings.Split(b.src.License, ":") {
		host, port := splitHostPort(server, "")

		script := fmt.Sprintf("connect %s %s;getLicenseUsage -csv;quit;", host, port)
		stdout, _, err := runTool(ctx, b.tool, "", "-admin", "-run", script)
		if err != nil {
			lastErr = err
			continue
		}

		ready, features := parseDslsUsage(b.src, stdout)
		if !ready {
			lastErr = fmt.Errorf("server %s not ready", server)
			continue
		}
		return features, nil
	}
	return nil, fetchErr(b.src.Name, lastErr)
}

// parseDslsUsage extracts the readiness flag and the CSV usage rows from one
// admin-shell transcript.
func parseDslsUsage(src config.Source, out string) (bool, []FeatureUsage) {
	var (
		ready    bool
		features []FeatureUsage
		index    = make(map[string]int)
		csvMode  bool
	)

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")

		switch {
		case line == dslsCSVStart:
			csvMode = true

		case line == dslsCSVEnd:
			csvMode = false

		case csvMode:
			if line == "" || strings.HasPrefix(line, "Editor,") {
				continue
			}
			fields := strings.Split(line, ",")
			if len(fields) <= dslsColInuse {
				anomaly(src.Name, "short usage row", "fields", len(fields))
				continue
			}

			name := fields[dslsColFeature]
			count, err1 := strconv.ParseInt(fields[dslsColCount], 10, 64)
			inuse, err2 := strconv.ParseInt(fields[dslsColInuse], 10, 64)
			if err1 != nil || err2 != nil {
				anomaly(src.Name, "unparsable seat count", "feature", name)
				continue
			}

			// Rows repeat per session; the first row carries the
			// feature-level counts.
			i, seen := index[name]
			if !seen {
				checkSeatCounts(src.Name, name, count, inuse)
				features = append(features, FeatureUsage{Name: name, Total: count, Used: inuse})
				i = len(features) - 1
				index[name] = i
			}

			if src.ExportUser && len(fields) > dslsColUser && fields[dslsColUser] != "" {
				features[i].Sessions = append(features[i].Sessions, Session{
					User:  fields[dslsColUser],
					Host:  fields[dslsColHost],
					Count: count,
				})
			}

		default:
			if m := reDslsReady.FindStringSubmatch(line); m != nil {
				ready = m[1] == "yes"
			}
		}
	}
	return ready, features
}
