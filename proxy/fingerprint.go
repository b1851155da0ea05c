package proxy

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// fingerprint derives the cache key of a request: qtype, qclass, the DO and
// CD bits, and the lowercased qname. Everything else, EDNS options included,
// deliberately stays out so that equivalent queries share an entry. The '|'
// separators keep distinct tuples from colliding.
func fingerprint(req *dns.Msg) string {
	q := req.Question[0]
	do := "0"
	if opt := req.IsEdns0(); opt != nil && opt.Do() {
		do = "1"
	}
	cd := "0"
	if req.CheckingDisabled {
		cd = "1"
	}
	name := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	if name == "" {
		name = "."
	}
	return fmt.Sprintf("%d|%d|%s%s|%s", q.Qtype, q.Qclass, do, cd, name)
}
