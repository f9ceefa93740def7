package utils

import "strings"

// ParseQueryList reads a multi-valued query parameter given either repeated
// or comma-separated:
//
//	?type=REGION,DISTRICT
//	?type=REGION&type=DISTRICT
//
// Blank items are dropped.
func ParseQueryList(q map[string][]string, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
