// Package bypass implements the Bypass Policy (spec §4.1): deciding
// whether a destination should be reached directly rather than through
// the tunnel. It is grounded on original_source's whitelist_host, which
// consulted the psl crate's public-suffix table; this port uses
// golang.org/x/net/publicsuffix, the pack's equivalent (used by both
// gravitational-teleport and marocz-ObsidianStack).
package bypass

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Policy evaluates the bypass rules against a configuration. The zero
// value is usable; ChineseHostFn defaults to a small static list if
// left nil.
type Policy struct {
	// PassthroughChina enables direct routing for domains classified
	// as Chinese hosts.
	PassthroughChina bool

	// ChineseHostFn classifies a registrable domain as Chinese or not.
	// Delegated to an external helper per spec §4.1; defaults to
	// IsChineseHost when nil.
	ChineseHostFn func(domain string) bool
}

// Bypassed implements the four ordered rules of spec §4.1 against a
// bare host (no port). It never depends on session state (invariant 5).
func (p Policy) Bypassed(host string) bool {
	if host == "" || strings.Contains(host, "[") {
		return false
	}

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.IsPrivate() || v4.IsLoopback() || v4.IsLinkLocalUnicast()
		}
		return ip.IsLoopback()
	}

	chineseFn := p.ChineseHostFn
	if chineseFn == nil {
		chineseFn = IsChineseHost
	}
	if p.PassthroughChina {
		if domain, ok := registrableDomain(host); ok && chineseFn(domain) {
			return true
		}
	}

	// PublicSuffix never reports "no suffix" for a well-formed host: a
	// single-label name comes back with icann=false, which already
	// yields the "treat as internal, bypass" outcome spec §4.1 rule 4
	// wants for unmatched/single-label hosts.
	_, icann := publicsuffix.PublicSuffix(strings.ToLower(host))
	return !icann
}

// registrableDomain extracts the eTLD+1 registrable domain from host,
// mirroring the original's psl::domain_str.
func registrableDomain(host string) (string, bool) {
	domain, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host))
	if err != nil {
		return "", false
	}
	return domain, true
}

// chineseDomainSuffixes is a small static stand-in for the external
// is_chinese_host predicate named in spec §6. It is intentionally
// coarse: a real deployment wires in a maintained domain/GeoIP feed via
// Policy.ChineseHostFn.
var chineseDomainSuffixes = []string{
	".cn",
	"baidu.com",
	"qq.com",
	"taobao.com",
	"weibo.com",
	"aliyun.com",
}

// IsChineseHost is the default ChineseHostFn.
func IsChineseHost(domain string) bool {
	domain = strings.ToLower(domain)
	for _, suffix := range chineseDomainSuffixes {
		if domain == strings.TrimPrefix(suffix, ".") || strings.HasSuffix(domain, suffix) {
			return true
		}
	}
	return false
}
