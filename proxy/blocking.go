package proxy

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"dnsveil/filter"
)

const (
	soaRetryDefault   = 900
	soaRetryIPv6Block = 60
)

// blockingIPs are hosts-file addresses that mean "block this name" rather
// than "rewrite to this address".
var blockingIPs = map[string]bool{
	"0.0.0.0":   true,
	"127.0.0.1": true,
	"::":        true,
	"::1":       true,
	"[::]":      true,
	"[::1]":     true,
}

// responseFromRequest builds the response skeleton every synthesized answer
// starts from: the request's id and question, QR set, recursion desired and
// available. The question section is copied from the request unchanged, type
// included; requests without a question yield a bare header-only reply.
func responseFromRequest(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.Id = req.Id
	resp.Response = true
	resp.RecursionDesired = true
	resp.RecursionAvailable = true
	if len(req.Question) > 0 {
		resp.Question = make([]dns.Question, len(req.Question))
		copy(resp.Question, req.Question)
	}
	return resp
}

// newSOA synthesizes the negative-caching SOA attached to NXDOMAIN, no-data
// and SOA-only blocking answers. The shape follows AdGuard Home's genSOA.
func newSOA(req *dns.Msg, settings *Settings, retrySecs uint32) *dns.SOA {
	zone := "."
	if len(req.Question) > 0 {
		zone = req.Question[0].Name
	}
	mbox := "hostmaster."
	if !strings.HasPrefix(zone, ".") {
		mbox += zone
	}
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   zone,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    settings.BlockedResponseTTL,
		},
		Ns:      "fake-for-negative-caching.adguard.com.",
		Mbox:    mbox,
		Serial:  uint32(time.Now().Unix() + 100500),
		Refresh: 1800,
		Retry:   retrySecs,
		Expire:  604800,
		Minttl:  86400,
	}
}

func nxdomainResponse(req *dns.Msg, settings *Settings) *dns.Msg {
	resp := responseFromRequest(req)
	resp.Rcode = dns.RcodeNameError
	resp.Ns = append(resp.Ns, newSOA(req, settings, soaRetryDefault))
	return resp
}

func refusedResponse(req *dns.Msg) *dns.Msg {
	resp := responseFromRequest(req)
	resp.Rcode = dns.RcodeRefused
	return resp
}

func soaResponse(req *dns.Msg, settings *Settings, retrySecs uint32) *dns.Msg {
	resp := responseFromRequest(req)
	resp.Rcode = dns.RcodeSuccess
	resp.Ns = append(resp.Ns, newSOA(req, settings, retrySecs))
	return resp
}

func servfailResponse(req *dns.Msg) *dns.Msg {
	resp := responseFromRequest(req)
	resp.Rcode = dns.RcodeServerFailure
	return resp
}

// responseWithIPs rewrites a blocked A/AAAA query with the rule addresses of
// the matching family, one answer RR per address, in rule order. No address
// of the right family degrades to a no-data SOA answer.
func responseWithIPs(req *dns.Msg, settings *Settings, rules []filter.Rule) *dns.Msg {
	q := req.Question[0]
	var answers []dns.RR
	hdr := dns.RR_Header{
		Name:  q.Name,
		Class: dns.ClassINET,
		Ttl:   settings.BlockedResponseTTL,
	}
	for _, rule := range rules {
		ip := net.ParseIP(rule.IP)
		if ip == nil {
			continue
		}
		switch q.Qtype {
		case dns.TypeA:
			if ip4 := ip.To4(); ip4 != nil {
				h := hdr
				h.Rrtype = dns.TypeA
				answers = append(answers, &dns.A{Hdr: h, A: ip4})
			}
		case dns.TypeAAAA:
			if ip.To4() == nil {
				h := hdr
				h.Rrtype = dns.TypeAAAA
				answers = append(answers, &dns.AAAA{Hdr: h, AAAA: ip.To16()})
			}
		}
	}
	if len(answers) == 0 {
		return soaResponse(req, settings, soaRetryDefault)
	}
	resp := responseFromRequest(req)
	resp.Answer = answers
	return resp
}

// addressResponse answers a blocked A/AAAA query with the unspecified address
// or, in custom-address mode, with the configured one. A missing custom
// address of the required family degrades to a no-data SOA answer.
func addressResponse(req *dns.Msg, settings *Settings) *dns.Msg {
	q := req.Question[0]
	custom := settings.BlockingMode == BlockingModeCustomAddress

	hdr := dns.RR_Header{
		Name:   q.Name,
		Rrtype: q.Qtype,
		Class:  q.Qclass,
		Ttl:    settings.BlockedResponseTTL,
	}
	var answer dns.RR
	switch q.Qtype {
	case dns.TypeA:
		addr := "0.0.0.0"
		if custom {
			if settings.CustomBlockingIPv4 == "" {
				return soaResponse(req, settings, soaRetryDefault)
			}
			addr = settings.CustomBlockingIPv4
		}
		answer = &dns.A{Hdr: hdr, A: net.ParseIP(addr).To4()}
	case dns.TypeAAAA:
		addr := "::"
		if custom {
			if settings.CustomBlockingIPv6 == "" {
				return soaResponse(req, settings, soaRetryDefault)
			}
			addr = settings.CustomBlockingIPv6
		}
		answer = &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP(addr).To16()}
	}

	resp := responseFromRequest(req)
	resp.Answer = append(resp.Answer, answer)
	return resp
}

func rulesContainBlockingIP(rules []filter.Rule) bool {
	for _, rule := range rules {
		if rule.IP != "" && blockingIPs[rule.IP] {
			return true
		}
	}
	return false
}

// blockingResponse maps the decisive rule and the blocking mode onto a
// synthesized answer. The full decision matrix:
//
//	                     A/AAAA                          other qtypes
//	adblock rule         mode-dependent (REFUSED /       REFUSED, NXDOMAIN or
//	                     NXDOMAIN / unspec-or-custom)    SOA per mode
//	"blocking" IP rule   unspec-or-custom unless the     SOA, unless the mode
//	                     mode forces REFUSED/NXDOMAIN    forces REFUSED/NXDOMAIN
//	real IP rule(s)      answer with the rule IPs        SOA, unless the mode
//	                                                     forces REFUSED/NXDOMAIN
func blockingResponse(req *dns.Msg, settings *Settings, rules []filter.Rule) *dns.Msg {
	decisive := rules[0]
	qtype := req.Question[0].Qtype

	if qtype != dns.TypeA && qtype != dns.TypeAAAA {
		switch settings.BlockingMode {
		case BlockingModeDefault:
			if decisive.IP == "" {
				return refusedResponse(req)
			}
			return soaResponse(req, settings, soaRetryDefault)
		case BlockingModeRefused:
			return refusedResponse(req)
		case BlockingModeNXDOMAIN:
			return nxdomainResponse(req, settings)
		default: // unspecified or custom address
			return soaResponse(req, settings, soaRetryDefault)
		}
	}

	if decisive.IP == "" { // adblock-style
		switch settings.BlockingMode {
		case BlockingModeDefault, BlockingModeRefused:
			return refusedResponse(req)
		case BlockingModeNXDOMAIN:
			return nxdomainResponse(req, settings)
		default:
			return addressResponse(req, settings)
		}
	}

	if rulesContainBlockingIP(rules) {
		switch settings.BlockingMode {
		case BlockingModeRefused:
			return refusedResponse(req)
		case BlockingModeNXDOMAIN:
			return nxdomainResponse(req, settings)
		default:
			return addressResponse(req, settings)
		}
	}

	return responseWithIPs(req, settings, rules)
}
