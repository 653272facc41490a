package fetch

import (
	"fmt"
	"net/url"
	"strings"
)

// DeriveStructureID computes the stable key grouping channels that share one
// site or endpoint shape. Web sources normalize to the registrable base
// domain; API sources keep the full host plus path identity so distinct
// endpoints on one host stay distinct.
func DeriveStructureID(sourceType SourceType, target string) (StructureID, error) {
	raw := strings.TrimSpace(target)
	if raw == "" {
		return "", fmt.Errorf("empty target: %w", ErrBadConfig)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("parse target %q: %w", target, ErrBadConfig)
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")

	if sourceType == SourceGenericAPI {
		path := strings.TrimRight(u.EscapedPath(), "/")
		return StructureID(host + path), nil
	}
	return StructureID(baseDomain(host)), nil
}

// baseDomain trims subdomains down to the registrable domain. Two-label
// public suffixes like co.uk keep three labels.
func baseDomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	tail := strings.Join(parts[len(parts)-2:], ".")
	if _, twoLabel := twoLabelSuffixes[tail]; twoLabel && len(parts) >= 3 {
		return strings.Join(parts[len(parts)-3:], ".")
	}
	return tail
}

var twoLabelSuffixes = map[string]struct{}{
	"co.uk":  {},
	"org.uk": {},
	"co.jp":  {},
	"com.au": {},
	"com.br": {},
	"co.nz":  {},
	"co.in":  {},
}
