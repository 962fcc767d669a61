package backend

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/licwatch/licwatch/internal/config"
)

// rlmstat reports one block per feature version. The version header names the
// feature, the count line that follows carries the seat numbers, and with -a
// the checkout lines list individual sessions.
var (
	//    featurename 1.2
	reRlmFeatureVersion = regexp.MustCompile(`^\s+([\w.-]+)\s([\w.]+)$`)

	//    count: 10, # reservations: 0, inuse: 3, exp: 31-dec-2026
	reRlmUsage = regexp.MustCompile(`^\s+count:\s+(\d+),\s+# reservations:\s+(\d+),\s+inuse:\s+(\d+), exp:\s+([\w-]+)`)

	//    featurename 1.2: alice@host1 1/0 at 06/15 09:01  (handle: 42)
	reRlmCheckout = regexp.MustCompile(`^\s+([\w.-]+)\s+([\w.]+):\s+([\w.@-]+)\s+\d+/\d+\s+at\s+(\d+/\d+)\s+(\d+:\d+)\s+\(handle:\s+\w+\)$`)
)

type rlmBackend struct {
	src  config.Source
	tool string
}

// Fetch runs rlmutil rlmstat once per refresh. -l limits output to the
// source's ISV daemon; -a is added when user export is on so usage and
// checkout lines arrive in the same invocation.
func (b *rlmBackend) Fetch(ctx context.Context) ([]FeatureUsage, error) {
	args := []string{"rlmstat", "-c", b.src.License}
	if b.src.ExportUser {
		args = append(args, "-a")
	}
	args = append(args, "-l", b.src.ISV)

	stdout, _, err := runTool(ctx, b.tool, "", args...)
	if err != nil {
		return nil, fetchErr(b.src.Name, err)
	}
	return parseRlmstat(b.src, stdout, time.Now()), nil
}

// parseRlmstat folds rlmstat's per-version blocks into one record per feature
// name: RLM licenses the same feature under several versions, and seat counts
// sum across them.
func parseRlmstat(src config.Source, out string, now time.Time) []FeatureUsage {
	var features []FeatureUsage
	index := make(map[string]int)
	current := -1 // index of the feature the last version header named

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}

		if m := reRlmCheckout.FindStringSubmatch(line); m != nil {
			if !src.ExportUser {
				continue
			}
			i, ok := index[m[1]]
			if !ok {
				anomaly(src.Name, "checkout for unknown feature", "feature", m[1])
				continue
			}
			user, host := splitUserHost(m[3])
			features[i].Sessions = append(features[i].Sessions, Session{
				User:  user,
				Host:  host,
				Count: 1,
				Since: parseCheckoutClock(m[4], m[5], now),
			})
			continue
		}

		if m := reRlmFeatureVersion.FindStringSubmatch(line); m != nil {
			i, ok := index[m[1]]
			if !ok {
				features = append(features, FeatureUsage{Name: m[1]})
				i = len(features) - 1
				index[m[1]] = i
			}
			current = i
			continue
		}

		if m := reRlmUsage.FindStringSubmatch(line); m != nil {
			if current < 0 {
				continue
			}
			total, err1 := strconv.ParseInt(m[1], 10, 64)
			used, err2 := strconv.ParseInt(m[3], 10, 64)
			if err1 != nil || err2 != nil {
				anomaly(src.Name, "unparsable seat count", "line", line)
				continue
			}
			features[current].Total += total
			features[current].Used += used
			checkSeatCounts(src.Name, features[current].Name, features[current].Total, features[current].Used)
		}
	}
	return features
}

// splitUserHost splits rlmstat's user@host checkout owner. The host part is
// absent on local checkouts.
func splitUserHost(s string) (string, string) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
