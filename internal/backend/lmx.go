package backend

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/licwatch/licwatch/internal/config"
)

const defaultLmxPort = "6200"

type lmxBackend struct {
	src  config.Source
	tool string
}

// Fetch walks the source's server list and returns features from the first
// server reporting a healthy status. LM-X HAL triples keep all members
// answering, so querying past the first healthy one would only duplicate
// the data.
func (b *lmxBackend) Fetch(ctx context.Context) ([]FeatureUsage, error) {
	var lastErr error
	for _, server := range strings.Split(b.src.License, ":") {
		host, port := splitHostPort(server, defaultLmxPort)

		stdout, _, err := runTool(ctx, b.tool, "", "-licstatxml", "-host", host, "-port", port)
		if err != nil {
			lastErr = err
			continue
		}

		status, features, err := parseLicstatXML(b.src, stdout, time.Now())
		if err != nil {
			lastErr = err
			continue
		}
		if status != "SUCCESS" {
			lastErr = fmt.Errorf("server %s reports status %q", server, status)
			continue
		}
		return features, nil
	}
	return nil, fetchErr(b.src.Name, lastErr)
}

// splitHostPort splits a "port@host" target into its parts, applying def
// when no port is given.
func splitHostPort(server, def string) (host, port string) {
	if i := strings.IndexByte(server, '@'); i >= 0 {
		return server[i+1:], server[:i]
	}
	return server, def
}

// parseLicstatXML walks lmxendutil's -licstatxml output. A FEATURE element
// carries the seat counts for one feature version; nested USER elements list
// its checkouts. The walk is attribute-driven so the surrounding document
// structure (which varies between lmxendutil releases) does not matter.
func parseLicstatXML(src config.Source, out string, now time.Time) (string, []FeatureUsage, error) {
	var (
		status   string
		features []FeatureUsage
		index    = make(map[string]int)
		current  = -1
	)

	dec := xml.NewDecoder(strings.NewReader(out))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("licstatxml: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "LICENSE_PATH":
			for _, a := range start.Attr {
				if a.Name.Local == "STATUS" {
					status = a.Value
				}
			}

		case "FEATURE":
			var (
				name        string
				total, used int64
			)
			for _, a := range start.Attr {
				switch a.Name.Local {
				case "NAME":
					name = a.Value
				case "TOTAL_LICENSES":
					total = parseCount(src.Name, a.Value)
				case "USED_LICENSES":
					used = parseCount(src.Name, a.Value)
				}
			}
			if name == "" {
				anomaly(src.Name, "feature element without a name")
				current = -1
				continue
			}
			checkSeatCounts(src.Name, name, total, used)

			// The same feature name appears once per license version;
			// the counts already include every version.
			i, seen := index[name]
			if !seen {
				features = append(features, FeatureUsage{Name: name})
				i = len(features) - 1
				index[name] = i
			}
			features[i].Total = total
			features[i].Used = used
			current = i

		case "USER":
			if !src.ExportUser || current < 0 {
				continue
			}
			var sess Session
			for _, a := range start.Attr {
				switch a.Name.Local {
				case "NAME":
					sess.User = a.Value
				case "HOST":
					sess.Host = a.Value
				case "USED_LICENSES":
					sess.Count = parseCount(src.Name, a.Value)
				case "CHECKOUT_TIME":
					if t, err := time.ParseInLocation("2006-01-02 15:04", a.Value, now.Location()); err == nil {
						sess.Since = t
					}
				}
			}
			features[current].Sessions = append(features[current].Sessions, sess)
		}
	}
	return status, features, nil
}

func parseCount(source, s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		anomaly(source, "unparsable count", "value", s)
		return 0
	}
	return n
}
