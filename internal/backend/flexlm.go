package backend

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/licwatch/licwatch/internal/config"
)

// lmstat output grammar. The usage header introduces a feature; the indented
// lines that follow describe its checkouts until the next header.
var (
	reFlexUsage = regexp.MustCompile(`^Users of ([a-zA-Z0-9_+-]+):\s+\(Total of (\d+) licenses? issued;\s+Total of (\d+) licenses? in use\)$`)

	// One checkout holding a single license:
	//   alice host1 /dev/tty (v1.0) (lic1/27000 101), start Mon 6/15 09:01
	reFlexUserSingle = regexp.MustCompile(`^\s+(\w+) ([\w.-]+)\s+[\w/]+\s+\(([\w.-]+)\).*, start [A-Z][a-z]{2} (\d+/\d+) (\d+:\d+)$`)

	// One checkout holding several licenses:
	//   bob host2 /dev/tty (v1.0) (lic1/27000 102), start Mon 6/15 09:30, 2 licenses
	reFlexUserMulti = regexp.MustCompile(`^\s+(\w+) ([\w.-]+)\s+[a-zA-Z0-9/]+\s+\(([\w.-]+)\)\s+\([\w./ ]+\),\s+start [A-Z][a-z]{2} (\d+/\d+) (\d+:\d+),\s+(\d+) licenses$`)
)

type flexlmBackend struct {
	src  config.Source
	tool string
}

// Fetch runs lmutil lmstat against the source's license target. The target
// is passed verbatim: lmstat understands comma- and colon-separated
// redundant server lists and owns the failover between them.
func (b *flexlmBackend) Fetch(ctx context.Context) ([]FeatureUsage, error) {
	stdout, _, err := runTool(ctx, b.tool, "", "lmstat", "-c", b.src.License, "-a")
	if err != nil {
		return nil, fetchErr(b.src.Name, err)
	}
	return parseLmstat(b.src, stdout, time.Now()), nil
}

// parseLmstat extracts feature usage from lmstat -a output. Lines that match
// no grammar rule (server status, vendor daemon status, banners) are skipped.
func parseLmstat(src config.Source, out string, now time.Time) []FeatureUsage {
	var features []FeatureUsage
	current := -1 // index into features of the usage header seen last

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}

		if m := reFlexUsage.FindStringSubmatch(line); m != nil {
			total, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				anomaly(src.Name, "unparsable seat count", "line", line)
				continue
			}
			used, err := strconv.ParseInt(m[3], 10, 64)
			if err != nil {
				anomaly(src.Name, "unparsable seat count", "line", line)
				continue
			}
			checkSeatCounts(src.Name, m[1], total, used)
			features = append(features, FeatureUsage{Name: m[1], Total: total, Used: used})
			current = len(features) - 1
			continue
		}

		if !src.ExportUser || current < 0 {
			continue
		}

		if m := reFlexUserSingle.FindStringSubmatch(line); m != nil {
			features[current].Sessions = append(features[current].Sessions, Session{
				User:  m[1],
				Host:  m[2],
				Count: 1,
				Since: parseCheckoutClock(m[4], m[5], now),
			})
		} else if m := reFlexUserMulti.FindStringSubmatch(line); m != nil {
			count, err := strconv.ParseInt(m[6], 10, 64)
			if err != nil {
				anomaly(src.Name, "unparsable checkout count", "line", line)
				continue
			}
			features[current].Sessions = append(features[current].Sessions, Session{
				User:  m[1],
				Host:  m[2],
				Count: count,
				Since: parseCheckoutClock(m[4], m[5], now),
			})
		}
	}
	return features
}

// parseCheckoutClock turns lmstat's year-less "6/15 09:01" checkout stamp
// into a time in the current year. Returns the zero time if the stamp does
// not parse.
func parseCheckoutClock(date, clock string, now time.Time) time.Time {
	t, err := time.Parse("1/2 15:04", date+" "+clock)
	if err != nil {
		return time.Time{}
	}
	return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
}
