package backend

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/licwatch/licwatch/internal/config"
)

// licman20_appl is menu-driven: selections go in on stdin and the report
// comes out on stderr (stdout only carries the menu itself). Selection 4
// lists licenses, selection 2 lists checkouts, X exits.
var (
	reLicmanProductKey = regexp.MustCompile(`^Product key\s+:\s+(\d+)$`)
	reLicmanFeature    = regexp.MustCompile(`^Comment\s+:\s+(\w+)$`)
	reLicmanTotal      = regexp.MustCompile(`^Number of Licenses\s+:\s+(\d+)$`)
	reLicmanUsed       = regexp.MustCompile(`^In use\s+:\s+(\d+)$`)

	// 06/15/22 09:01:12  alice  1234
	reLicmanCheckout = regexp.MustCompile(`^(\d{2}/\d{2}/\d{2})\s(\d{2}:\d{2}:\d{2})\s+([\w.-]+)\s+(\d+)`)
)

type licman20Backend struct {
	src  config.Source
	tool string
}

// Fetch drives the local licman20_appl menu in a single invocation: the
// license listing, the checkout listing when user export is on, then exit.
func (b *licman20Backend) Fetch(ctx context.Context) ([]FeatureUsage, error) {
	stdin := "4\nX\n"
	if b.src.ExportUser {
		stdin = "4\n2\nX\n"
	}

	_, stderr, err := runTool(ctx, b.tool, stdin)
	if err != nil {
		return nil, fetchErr(b.src.Name, err)
	}
	return parseLicman20(b.src, stderr, time.Now()), nil
}

// parseLicman20 reads the stderr report. License records are key/value blocks
// introduced by a Product key line; a block's feature name is its Comment,
// falling back to the product key when no comment is set. Checkout lines
// reference the product key and are attached after all blocks are read.
func parseLicman20(src config.Source, out string, now time.Time) []FeatureUsage {
	type block struct {
		productKey  string
		feature     string
		total, used int64
	}

	var (
		blocks    []block
		cur       *block
		checkouts = make(map[string][]Session) // product key -> sessions
	)

	flush := func() {
		if cur != nil {
			blocks = append(blocks, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}

		if m := reLicmanProductKey.FindStringSubmatch(line); m != nil {
			flush()
			cur = &block{productKey: m[1]}
			continue
		}

		if m := reLicmanCheckout.FindStringSubmatch(line); m != nil {
			since, err := time.ParseInLocation("01/02/06 15:04:05", m[1]+" "+m[2], now.Location())
			if err != nil {
				since = time.Time{}
			}
			checkouts[m[4]] = append(checkouts[m[4]], Session{
				User:  m[3],
				Count: 1,
				Since: since,
			})
			continue
		}

		if cur == nil {
			continue
		}
		if m := reLicmanFeature.FindStringSubmatch(line); m != nil {
			cur.feature = m[1]
		} else if m := reLicmanTotal.FindStringSubmatch(line); m != nil {
			cur.total = parseCount(src.Name, m[1])
		} else if m := reLicmanUsed.FindStringSubmatch(line); m != nil {
			cur.used = parseCount(src.Name, m[1])
		}
	}
	flush()

	features := make([]FeatureUsage, 0, len(blocks))
	for _, blk := range blocks {
		name := blk.feature
		if name == "" {
			name = blk.productKey
		}
		checkSeatCounts(src.Name, name, blk.total, blk.used)

		f := FeatureUsage{Name: name, Total: blk.total, Used: blk.used}
		if src.ExportUser {
			f.Sessions = checkouts[blk.productKey]
		}
		features = append(features, f)
	}
	return features
}
