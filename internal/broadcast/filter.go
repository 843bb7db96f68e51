package broadcast

import (
	"net/url"
	"strings"
)

// Filter selects which deltas a subscriber receives. Within a dimension any
// value matches; every non-empty dimension must match. The zero Filter matches all.
type Filter struct {
	SiteIDs    []string `json:"siteIds,omitempty"`
	Categories []string `json:"categories,omitempty"`
	DeviceIDs  []string `json:"deviceIds,omitempty"`
}

func (f Filter) Matches(d Delta) bool {
	return matchAny(f.SiteIDs, d.SiteID) &&
		matchAny(f.Categories, d.Category) &&
		matchAny(f.DeviceIDs, d.DeviceID)
}

func matchAny(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// FilterFromQuery reads comma-separated site, category and device query parameters.
func FilterFromQuery(q url.Values) Filter {
	return Filter{
		SiteIDs:    splitList(q["site"]),
		Categories: splitList(q["category"]),
		DeviceIDs:  splitList(q["device"]),
	}
}

func splitList(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, v := range strings.Split(r, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
