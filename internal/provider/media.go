package provider

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var mediaSuffix = regexp.MustCompile(`(?i)\.(mp4|webm)(\?|$)`)

// IsMediaURL reports whether u points directly at a playable video file.
func IsMediaURL(u string) bool {
	if u == "" {
		return false
	}
	if parsed, err := url.Parse(u); err == nil && parsed.Path != "" {
		p := strings.ToLower(parsed.Path)
		if strings.HasSuffix(p, ".mp4") || strings.HasSuffix(p, ".webm") {
			return true
		}
	}
	return mediaSuffix.MatchString(u)
}

// findMediaURL walks a decoded JSON document and returns the first direct media link.
// Status and API links in the same payload are ignored. Object keys are visited in
// sorted order so the result is deterministic.
func findMediaURL(v any) string {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "http") && IsMediaURL(t) {
			return t
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if u := findMediaURL(t[k]); u != "" {
				return u
			}
		}
	case []any:
		for _, item := range t {
			if u := findMediaURL(item); u != "" {
				return u
			}
		}
	}
	return ""
}
