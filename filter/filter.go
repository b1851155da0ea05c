// Package filter implements the rule-list engine used by the forwarder to
// decide whether a domain, a CNAME target or a resolved address should be
// blocked, rewritten or explicitly allowed.
//
// The accepted syntax is the common denominator of the lists people actually
// feed these proxies:
//
//	! comment                        # comment (both markers accepted)
//	example.com                      blocks example.com and its subdomains
//	||example.com^                   same, adblock-style
//	@@||example.com^                 exception: never block example.com
//	0.0.0.0 ads.example.com          hosts-style rewrite
//	10.0.0.0/8                       blocks any answer inside the CIDR
package filter

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
)

// Rule is a single filtering rule as matched against one hostname or address.
// Rules are plain values; the forwarder copies them freely and never mutates
// them.
type Rule struct {
	// Text is the rule exactly as it appeared in the list.
	Text string
	// FilterID identifies the list the rule came from.
	FilterID int
	// IP is non-empty for hosts-style rules and holds the rewrite address.
	IP string
	// Exception marks an allowlisting ("@@") rule.
	Exception bool
}

// List is one rule list. Either Path (a file) or Rules (inline, one rule per
// line) must be set; when both are set the file wins.
type List struct {
	ID    int
	Path  string
	Rules string
}

// Params is the filtering configuration, passed verbatim from the proxy
// settings.
type Params struct {
	Lists []List
}

type compiledRule struct {
	rule       Rule
	subdomains bool // pattern also covers subdomains of itself
}

// Engine is a compiled set of rule lists. It is immutable after New and safe
// for concurrent use.
type Engine struct {
	// exact patterns, keyed by the lowercased domain (or IP literal)
	byPattern map[string][]compiledRule
	cidrs     []cidrRule
}

type cidrRule struct {
	rule Rule
	net  *net.IPNet
}

var commentRE = regexp.MustCompile(`[!#].*`)

// New compiles the given lists. Unreadable files do not fail the whole engine;
// they are reported through the returned warning so the proxy can keep
// serving with the lists that did load.
func New(params Params) (*Engine, string, error) {
	e := &Engine{byPattern: map[string][]compiledRule{}}
	var warnings []string
	for _, list := range params.Lists {
		if list.Path != "" {
			f, err := os.Open(list.Path)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("filter list %d: %v", list.ID, err))
				continue
			}
			loadErr := e.load(f, list.ID)
			_ = f.Close()
			if loadErr != nil {
				return nil, "", fmt.Errorf("filter list %d: %w", list.ID, loadErr)
			}
			continue
		}
		if err := e.load(strings.NewReader(list.Rules), list.ID); err != nil {
			return nil, "", fmt.Errorf("filter list %d: %w", list.ID, err)
		}
	}
	return e, strings.Join(warnings, "\n"), nil
}

func (e *Engine) load(r io.Reader, filterID int) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		line := strings.TrimSpace(commentRE.ReplaceAllString(raw, ""))
		if line == "" {
			continue
		}
		e.addRule(line, filterID)
	}
	return scanner.Err()
}

func (e *Engine) addRule(line string, filterID int) {
	text := line
	exception := false
	if strings.HasPrefix(line, "@@") {
		exception = true
		line = line[2:]
	}

	// hosts-style: "IP domain [domain ...]"
	if fields := strings.Fields(line); len(fields) > 1 && net.ParseIP(fields[0]) != nil {
		for _, host := range fields[1:] {
			e.put(strings.ToLower(host), compiledRule{
				rule:       Rule{Text: text, FilterID: filterID, IP: fields[0], Exception: exception},
				subdomains: false,
			})
		}
		return
	}

	// CIDR: matches addresses in post-filtering
	if _, ipnet, err := net.ParseCIDR(line); err == nil {
		e.cidrs = append(e.cidrs, cidrRule{
			rule: Rule{Text: text, FilterID: filterID, Exception: exception},
			net:  ipnet,
		})
		return
	}

	// adblock-style "||domain^" and plain domains both cover subdomains
	pattern := strings.TrimPrefix(line, "||")
	pattern = strings.TrimSuffix(pattern, "^")
	pattern = strings.TrimSuffix(pattern, ".")
	pattern = strings.ToLower(pattern)
	if pattern == "" {
		return
	}
	e.put(pattern, compiledRule{
		rule:       Rule{Text: text, FilterID: filterID, Exception: exception},
		subdomains: true,
	})
}

func (e *Engine) put(pattern string, cr compiledRule) {
	e.byPattern[pattern] = append(e.byPattern[pattern], cr)
}

// Match returns every rule applying to hostname, which may also be an IP
// address literal (the forwarder filters resolved answers through the same
// entry point). The hostname is matched case-insensitively, with or without
// the trailing root dot.
func (e *Engine) Match(hostname string) []Rule {
	host := strings.ToLower(strings.TrimSuffix(hostname, "."))
	if host == "" {
		return nil
	}

	var matched []Rule
	if ip := net.ParseIP(host); ip != nil {
		for _, c := range e.cidrs {
			if c.net.Contains(ip) {
				matched = append(matched, c.rule)
			}
		}
		for _, cr := range e.byPattern[host] {
			matched = append(matched, cr.rule)
		}
		return matched
	}

	// walk the label chain: a.b.c, b.c, c
	for candidate := host; candidate != ""; {
		for _, cr := range e.byPattern[candidate] {
			if cr.subdomains || candidate == host {
				matched = append(matched, cr.rule)
			}
		}
		dot := strings.IndexByte(candidate, '.')
		if dot < 0 {
			break
		}
		candidate = candidate[dot+1:]
	}
	return matched
}

// GetEffectiveRules selects the decisive subset of matched rules. Exceptions
// beat hosts-style rewrites, which beat plain blocks; within a class the
// match order is preserved and duplicate texts are dropped. Element 0 of the
// result decides the query's fate.
func GetEffectiveRules(rules []Rule) []Rule {
	var exceptions, hosts, blocks []Rule
	seen := map[string]bool{}
	for _, r := range rules {
		if seen[r.Text] {
			continue
		}
		seen[r.Text] = true
		switch {
		case r.Exception:
			exceptions = append(exceptions, r)
		case r.IP != "":
			hosts = append(hosts, r)
		default:
			blocks = append(blocks, r)
		}
	}
	if len(exceptions) > 0 {
		return exceptions
	}
	if len(hosts) > 0 {
		return hosts
	}
	return blocks
}
