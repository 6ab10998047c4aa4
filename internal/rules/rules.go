// Package rules generates detection-rule text (YARA, Snort, Suricata)
// from an adversary's resolved indicator lists. It consumes only
// correlator/store output grouped by indicator type and produces plain
// rule strings; deployment of the rules is out of scope.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/nlehoang/diamondwire/internal/kb"
)

const author = "DiamondWire Platform"

// Starting SIDs for generated network rules.
const (
	snortSIDBase    = 1000001
	suricataSIDBase = 2000001
)

// Pack is the full set of generated rules for one adversary.
type Pack struct {
	Adversary string `json:"adversary"`
	YARA      string `json:"yara"`
	Snort     string `json:"snort"`
	Suricata  string `json:"suricata"`
}

// Generate builds a rule pack from an adversary's indicators. Network
// rules cover IPv4/IPv6, domain, and URL values; YARA covers file
// hashes. Empty sections are empty strings.
func Generate(adversary string, indicators []kb.Indicator, now time.Time) Pack {
	var network, hashes []string
	for _, ind := range indicators {
		switch ind.Type {
		case kb.TypeIPv4, kb.TypeIPv6, kb.TypeDomain, kb.TypeURL:
			network = append(network, ind.Value)
		case kb.TypeSHA256:
			hashes = append(hashes, ind.Value)
		}
	}
	return Pack{
		Adversary: adversary,
		YARA:      YARA(hashes, adversary, now),
		Snort:     Snort(network, adversary, now),
		Suricata:  Suricata(network, adversary, now),
	}
}

// YARA returns one rule matching any of the given hashes as strings.
func YARA(hashes []string, adversary string, now time.Time) string {
	if len(hashes) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "rule %s_HashItems {\n", sanitizeName(adversary))
	b.WriteString("    meta:\n")
	fmt.Fprintf(&b, "        author = %q\n", author)
	fmt.Fprintf(&b, "        date = %q\n", now.Format("2006-01-02"))
	fmt.Fprintf(&b, "        adversary = %q\n", adversary)
	fmt.Fprintf(&b, "        description = \"Auto-generated rule for %s hashes\"\n", adversary)
	b.WriteString("\n    strings:\n")
	for i, h := range hashes {
		fmt.Fprintf(&b, "        $s%d = %q\n", i, h)
	}
	b.WriteString("\n    condition:\n        any of them\n}")
	return b.String()
}

// Snort returns one alert rule per source address, SIDs from 1000001.
func Snort(addrs []string, adversary string, now time.Time) string {
	return networkRules(addrs, adversary, now, snortSIDBase,
		func(addr string) string {
			return fmt.Sprintf("Potential %s Activity Detected from %s", adversary, addr)
		}, "")
}

// Suricata returns one alert rule per source address with flow keywords,
// SIDs from 2000001.
func Suricata(addrs []string, adversary string, now time.Time) string {
	return networkRules(addrs, adversary, now, suricataSIDBase,
		func(addr string) string {
			return fmt.Sprintf("ET CURRENT_EVENTS %s Inbound from %s", adversary, addr)
		}, "flow:to_client,established; reference:url,diamondwire; ")
}

func networkRules(addrs []string, adversary string, now time.Time, sidBase int, msg func(string) string, extra string) string {
	if len(addrs) == 0 {
		return ""
	}

	date := now.Format("2006-01-02")
	rules := make([]string, 0, len(addrs))
	for i, addr := range addrs {
		rules = append(rules, fmt.Sprintf(
			`alert ip %s any -> $HOME_NET any (msg:"%s"; %smetadata:author DiamondWire, date %s, adversary %s; classtype:trojan-activity; sid:%d; rev:1;)`,
			addr, msg(addr), extra, date, adversary, sidBase+i))
	}
	return strings.Join(rules, "\n")
}

func sanitizeName(name string) string {
	replacer := strings.NewReplacer(" ", "_", ".", "_", "-", "_")
	return replacer.Replace(name)
}
