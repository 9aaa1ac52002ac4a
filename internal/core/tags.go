package core

import (
	"regexp"
	"strconv"
	"strings"
)

// ParseTags splits a Proxmox-native tag string on the `,`/`;` separator
// set, trims whitespace, and drops empty and duplicate entries while
// preserving first-occurrence order.
func ParseTags(raw string) []string {
	normalized := strings.ReplaceAll(raw, ",", ";")
	parts := strings.Split(normalized, ";")

	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// HasTag reports whether tags contains needle.
func HasTag(tags []string, needle string) bool {
	for _, t := range tags {
		if t == needle {
			return true
		}
	}
	return false
}

var trailingDigits = regexp.MustCompile(`(\d+)$`)

// VMIDFromProviderID extracts the trailing integer from a Cluster
// Autoscaler provider ID such as "k3s://ca-general-123", returning
// (123, true). Returns (0, false) when the ID has no trailing digits.
func VMIDFromProviderID(providerID string) (int, bool) {
	m := trailingDigits.FindStringSubmatch(providerID)
	if m == nil {
		return 0, false
	}
	vmid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return vmid, true
}
