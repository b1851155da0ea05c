package proxy

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ipv4OnlyName is the well-known name of RFC 7050 prefix discovery.
const ipv4OnlyName = "ipv4only.arpa."

// wellKnownIPv4 are the addresses ipv4only.arpa resolves to; finding one
// embedded in an AAAA answer reveals the NAT64 prefix.
var wellKnownIPv4 = []net.IP{
	{192, 0, 0, 170},
	{192, 0, 0, 171},
}

// prefixLengths are the RFC 6052 Pref64 lengths, in bytes, longest first so
// discovery prefers the most specific match.
var prefixLengths = []int{12, 8, 7, 6, 5, 4}

// extractIPv4 undoes the RFC 6052 embedding for a prefix of n bytes. Bits
// 64..71 (the "u" octet) never carry address bits.
func extractIPv4(ip6 net.IP, n int) net.IP {
	switch n {
	case 4:
		return net.IP{ip6[4], ip6[5], ip6[6], ip6[7]}
	case 5:
		return net.IP{ip6[5], ip6[6], ip6[7], ip6[9]}
	case 6:
		return net.IP{ip6[6], ip6[7], ip6[9], ip6[10]}
	case 7:
		return net.IP{ip6[7], ip6[9], ip6[10], ip6[11]}
	case 8:
		return net.IP{ip6[9], ip6[10], ip6[11], ip6[12]}
	case 12:
		return net.IP{ip6[12], ip6[13], ip6[14], ip6[15]}
	}
	return nil
}

// synthesizeIPv4EmbeddedIPv6 places ip4 into prefix per RFC 6052. The prefix
// must be 4, 5, 6, 7, 8 or 12 bytes long; the "u" octet stays zero.
func synthesizeIPv4EmbeddedIPv6(prefix []byte, ip4 net.IP) (net.IP, error) {
	v4 := ip4.To4()
	if v4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %v", ip4)
	}
	out := make(net.IP, net.IPv6len)
	switch len(prefix) {
	case 4:
		copy(out, prefix)
		copy(out[4:8], v4)
	case 5:
		copy(out, prefix)
		copy(out[5:8], v4[:3])
		out[9] = v4[3]
	case 6:
		copy(out, prefix)
		copy(out[6:8], v4[:2])
		copy(out[9:11], v4[2:])
	case 7:
		copy(out, prefix)
		out[7] = v4[0]
		copy(out[9:12], v4[1:])
	case 8:
		copy(out, prefix)
		copy(out[9:13], v4)
	case 12:
		copy(out, prefix)
		copy(out[12:16], v4)
	default:
		return nil, fmt.Errorf("invalid NAT64 prefix length %d", len(prefix))
	}
	return out, nil
}

// discoverPrefixes performs RFC 7050 discovery through one upstream: resolve
// ipv4only.arpa. AAAA and pull the prefix out of every answer that embeds a
// well-known address.
func discoverPrefixes(u Upstream) ([][]byte, error) {
	req := new(dns.Msg)
	req.SetQuestion(ipv4OnlyName, dns.TypeAAAA)
	req.RecursionDesired = true

	resp, err := u.Exchange(req)
	if err != nil {
		return nil, err
	}

	var prefixes [][]byte
	for _, rr := range resp.Answer {
		aaaa, isAAAA := rr.(*dns.AAAA)
		if !isAAAA {
			continue
		}
		ip6 := aaaa.AAAA.To16()
		if ip6 == nil {
			continue
		}
		for _, n := range prefixLengths {
			embedded := extractIPv4(ip6, n)
			known := false
			for _, wka := range wellKnownIPv4 {
				if embedded.Equal(wka) {
					known = true
					break
				}
			}
			if !known {
				continue
			}
			prefix := make([]byte, n)
			copy(prefix, ip6[:n])
			duplicate := false
			for _, existing := range prefixes {
				if bytes.Equal(existing, prefix) {
					duplicate = true
					break
				}
			}
			if !duplicate {
				prefixes = append(prefixes, prefix)
			}
			break
		}
	}
	return prefixes, nil
}

// discoverPrefixesLoop runs at startup when DNS64 is configured: up to
// MaxTries rounds, sleeping WaitTime before each, trying every discovery
// upstream until one yields prefixes. Failure only means AAAA synthesis never
// triggers.
func (p *Proxy) discoverPrefixesLoop(settings DNS64Settings, cfg *upstreamFactoryConfig) {
	defer p.refreshWG.Done()
	for try := 0; try < settings.MaxTries; try++ {
		select {
		case <-p.refreshCtx.Done():
			return
		case <-time.After(settings.WaitTime):
		}
		for _, opts := range settings.Upstreams {
			upstream, err := newUpstream(opts, cfg)
			if err != nil {
				log.Debugf("dns64: failed to create discovery upstream: %v", err)
				continue
			}
			prefixes, err := discoverPrefixes(upstream)
			_ = upstream.Close()
			if err != nil {
				log.Debugf("dns64: error discovering prefixes: %v", err)
				continue
			}
			if len(prefixes) == 0 {
				log.Debugf("dns64: no prefixes discovered, retrying")
				continue
			}
			p.dns64Mu.Lock()
			p.dns64Prefixes = prefixes
			p.dns64Mu.Unlock()
			log.Infof("dns64: %d prefix(es) discovered", len(prefixes))
			return
		}
	}
	log.Debugf("dns64: failed to discover any prefixes")
}

// tryDNS64Synthesis asks the upstream that served the original exchange for
// the A records of the same name and embeds them into the known prefixes.
// Returns nil whenever synthesis produced nothing; the caller then keeps the
// upstream's own (empty) AAAA response.
func (p *Proxy) tryDNS64Synthesis(req *dns.Msg, upstream Upstream) *dns.Msg {
	p.dns64Mu.RLock()
	prefixes := p.dns64Prefixes
	p.dns64Mu.RUnlock()
	if len(prefixes) == 0 {
		return nil
	}
	if len(req.Question) == 0 {
		return nil
	}
	q := req.Question[0]

	reqA := new(dns.Msg)
	reqA.SetQuestion(q.Name, dns.TypeA)
	reqA.Id = dns.Id()
	reqA.RecursionDesired = req.RecursionDesired
	reqA.CheckingDisabled = req.CheckingDisabled

	respA, err := upstream.Exchange(reqA)
	if err != nil {
		log.Debugf("[%d] dns64: A query failed: %v", req.Id, err)
		return nil
	}
	if len(respA.Answer) == 0 {
		log.Debugf("[%d] dns64: upstream returned no A records", req.Id)
		return nil
	}

	var answers []dns.RR
	synthesized := 0
	for _, rr := range respA.Answer {
		a, isA := rr.(*dns.A)
		if !isA {
			answers = append(answers, dns.Copy(rr))
			continue
		}
		for _, prefix := range prefixes {
			ip6, err := synthesizeIPv4EmbeddedIPv6(prefix, a.A)
			if err != nil {
				log.Debugf("[%d] dns64: could not synthesize address: %v", req.Id, err)
				continue
			}
			hdr := a.Hdr
			hdr.Rrtype = dns.TypeAAAA
			answers = append(answers, &dns.AAAA{Hdr: hdr, AAAA: ip6})
			synthesized++
		}
	}
	if synthesized == 0 {
		return nil
	}

	resp := new(dns.Msg)
	resp.Id = req.Id
	resp.Response = true
	resp.RecursionDesired = req.RecursionDesired
	resp.RecursionAvailable = respA.RecursionAvailable
	resp.CheckingDisabled = respA.CheckingDisabled
	resp.Question = make([]dns.Question, len(req.Question))
	copy(resp.Question, req.Question)
	resp.Answer = answers
	return resp
}
