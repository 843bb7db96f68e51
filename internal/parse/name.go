// Package parse turns vendor display names into inventory fields.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	seqRe   = regexp.MustCompile(`-(\d+)\s*$`)
	floorRe = regexp.MustCompile(`(?i)(\d+)\s*(?:F|层)?\s*$`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// ParsedName holds the structured data parsed from a device's display name.
type ParsedName struct {
	Site  string
	Floor int
	Seq   int
}

// ParseName extracts site, floor and sequence number from names such as
// "东3#2-3" or "延英楼2F". floorCode is used when the name carries no floor.
func ParseName(raw string, floorCode string) (ParsedName, error) {
	// '#' separates tokens; dropping it would glue digits together.
	s := strings.ReplaceAll(strings.TrimSpace(raw), "#", " ")
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))

	seq := 0
	if loc := seqRe.FindStringSubmatchIndex(s); loc != nil {
		if n, err := strconv.Atoi(s[loc[2]:loc[3]]); err == nil {
			seq = n
			s = strings.TrimSpace(s[:loc[0]])
		}
	}

	floor := 0
	site := s
	if loc := floorRe.FindStringSubmatchIndex(s); loc != nil {
		if n, err := strconv.Atoi(s[loc[2]:loc[3]]); err == nil {
			floor = n
			site = strings.TrimSpace(s[:loc[0]])
		}
	}

	if floor == 0 && floorCode != "" {
		if f, err := strconv.Atoi(floorCode); err == nil {
			floor = f
			tailRe := regexp.MustCompile(`(?i)\s*` + regexp.QuoteMeta(floorCode) + `\s*(?:F|层)?\s*$`)
			site = strings.TrimSpace(tailRe.ReplaceAllString(site, ""))
		}
	}

	// Upstream spells the same building both ways.
	site = strings.ReplaceAll(site, "栋", "东")

	if floor == 0 {
		return ParsedName{}, fmt.Errorf("unable to parse floor from name: %q", raw)
	}
	return ParsedName{Site: site, Floor: floor, Seq: seq}, nil
}

// SiteID derives a stable slug from a site name. Letters of any script are
// kept; runs of anything else collapse to a single '-'.
func SiteID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
