package proxy

import (
	"time"

	"github.com/miekg/dns"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"dnsveil/filter"
)

// handle packs the query, runs it through the proxy and parses the reply.
func handle(p *Proxy, req *dns.Msg) *dns.Msg {
	raw, err := req.Pack()
	Expect(err).ToNot(HaveOccurred())
	out := p.HandleMessage(raw)
	Expect(out).ToNot(BeNil())
	resp := new(dns.Msg)
	Expect(resp.Unpack(out)).To(Succeed())
	return resp
}

var _ = Describe("Proxy.HandleMessage()", func() {
	var (
		settings Settings
		recorder *eventRecorder
	)

	BeforeEach(func() {
		settings = DefaultSettings()
		settings.CacheSize = 100
		settings.BlockedResponseTTL = 13
		recorder = &eventRecorder{}
	})

	newProxy := func(flt Filter, upstreams ...Upstream) *Proxy {
		p := newTestProxy(settings, flt, upstreams...)
		p.events.OnRequestProcessed = recorder.record
		return p
	}

	It("returns nothing for an unparseable request and reports the error", func() {
		p := newProxy(nil, answering("u"))
		Expect(p.HandleMessage([]byte{0xde, 0xad})).To(BeNil())
		Expect(recorder.events).To(HaveLen(1))
		Expect(recorder.last().Type).To(BeEmpty())
		Expect(recorder.last().Error).To(ContainSubstring("failed to parse payload"))
	})

	It("answers SERVFAIL when the request has no question", func() {
		p := newProxy(nil, answering("u"))
		empty := new(dns.Msg)
		empty.Id = 0x42
		raw, err := empty.Pack()
		Expect(err).ToNot(HaveOccurred())
		out := p.HandleMessage(raw)
		resp := new(dns.Msg)
		Expect(resp.Unpack(out)).To(Succeed())
		Expect(resp.Rcode).To(Equal(dns.RcodeServerFailure))
		Expect(resp.Id).To(Equal(uint16(0x42)))
		Expect(recorder.last().Error).To(ContainSubstring("no question"))
	})

	It("forwards unfiltered queries verbatim", func() {
		p := newProxy(nil, answering("u", aRecord("example.com", 300, "93.184.216.34")))
		resp := handle(p, aQuery("example.com"))
		Expect(resp.Rcode).To(Equal(dns.RcodeSuccess))
		Expect(resp.Answer).To(HaveLen(1))
		Expect(resp.Answer[0].(*dns.A).A.String()).To(Equal("93.184.216.34"))
		Expect(recorder.last().CacheHit).To(BeFalse())
		Expect(recorder.last().Status).To(Equal("NOERROR"))
		Expect(recorder.last().BytesReceived).To(BeNumerically(">", 0))
	})

	Describe("the response cache", func() {
		It("serves the second query from cache with the new id", func() {
			upstream := answering("u", aRecord("example.com", 300, "93.184.216.34"))
			p := newProxy(nil, upstream)
			handle(p, aQuery("example.com"))

			second := aQuery("EXAMPLE.com")
			second.Id = 0x1234
			resp := handle(p, second)
			Expect(resp.Id).To(Equal(uint16(0x1234)))
			Expect(resp.Answer).To(HaveLen(1))
			Expect(upstream.callCount()).To(Equal(1))
			Expect(recorder.last().CacheHit).To(BeTrue())
		})

		When("the entry expired and the optimistic cache is on", func() {
			It("serves the stale entry with TTL 1 and refreshes in the background", func() {
				settings.OptimisticCache = true
				upstream := answering("u", aRecord("example.com", 300, "93.184.216.34"))
				p := newProxy(nil, upstream)
				handle(p, aQuery("example.com"))

				key := fingerprint(aQuery("example.com"))
				p.cache.mu.Lock()
				p.cache.entries[key].Value.(*cacheEntry).val.expiresAt = time.Now().Add(-time.Minute)
				p.cache.mu.Unlock()

				resp := handle(p, aQuery("example.com"))
				Expect(resp.Answer[0].Header().Ttl).To(Equal(uint32(1)))
				Expect(recorder.last().CacheHit).To(BeTrue())

				p.refreshWG.Wait()
				Expect(upstream.callCount()).To(Equal(2))
				fresh, _, expired, ok := p.cache.lookup(key, aQuery("example.com"), 4096)
				Expect(ok).To(BeTrue())
				Expect(expired).To(BeFalse())
				Expect(fresh.Answer).To(HaveLen(1))
			})

			It("evicts the stale entry when the refresh fails", func() {
				settings.OptimisticCache = true
				calls := 0
				upstream := &fakeUpstream{addr: "u"}
				upstream.exchange = func(req *dns.Msg) (*dns.Msg, error) {
					calls++
					if calls == 1 {
						resp := new(dns.Msg)
						resp.SetReply(req)
						resp.Answer = append(resp.Answer, aRecord("example.com", 300, "93.184.216.34"))
						return resp, nil
					}
					return nil, timeoutError{}
				}
				p := newProxy(nil, upstream)
				handle(p, aQuery("example.com"))

				key := fingerprint(aQuery("example.com"))
				p.cache.mu.Lock()
				p.cache.entries[key].Value.(*cacheEntry).val.expiresAt = time.Now().Add(-time.Minute)
				p.cache.mu.Unlock()

				handle(p, aQuery("example.com"))
				p.refreshWG.Wait()
				_, _, _, ok := p.cache.lookup(key, aQuery("example.com"), 4096)
				Expect(ok).To(BeFalse())
			})
		})

		When("the entry expired and the optimistic cache is off", func() {
			It("resolves upstream again", func() {
				upstream := answering("u", aRecord("example.com", 300, "93.184.216.34"))
				p := newProxy(nil, upstream)
				handle(p, aQuery("example.com"))

				key := fingerprint(aQuery("example.com"))
				p.cache.mu.Lock()
				p.cache.entries[key].Value.(*cacheEntry).val.expiresAt = time.Now().Add(-time.Minute)
				p.cache.mu.Unlock()

				handle(p, aQuery("example.com"))
				Expect(upstream.callCount()).To(Equal(2))
			})
		})
	})

	Describe("the Mozilla DoH canary", func() {
		It("answers NXDOMAIN regardless of filters and upstreams", func() {
			upstream := answering("u", aRecord("use-application-dns.net", 300, "1.2.3.4"))
			p := newProxy(nil, upstream)
			resp := handle(p, aQuery("use-application-dns.net"))
			Expect(resp.Rcode).To(Equal(dns.RcodeNameError))
			Expect(resp.Ns).To(HaveLen(1))
			Expect(upstream.callCount()).To(BeZero())
		})

		It("matches the name case-insensitively", func() {
			p := newProxy(nil, answering("u"))
			resp := handle(p, aQuery("Use-Application-DNS.net"))
			Expect(resp.Rcode).To(Equal(dns.RcodeNameError))
		})

		It("leaves other query types alone", func() {
			p := newProxy(nil, answering("u"))
			req := new(dns.Msg)
			req.SetQuestion("use-application-dns.net.", dns.TypeTXT)
			resp := handle(p, req)
			Expect(resp.Rcode).To(Equal(dns.RcodeSuccess))
		})
	})

	Describe("pre-filtering", func() {
		It("blocks a matching domain before any upstream is contacted", func() {
			upstream := answering("u", aRecord("ads.example", 300, "1.2.3.4"))
			flt := &fakeFilter{rules: map[string][]filter.Rule{
				"ads.example": {{Text: "||ads.example^", FilterID: 3}},
			}}
			p := newProxy(flt, upstream)
			resp := handle(p, aQuery("ads.example"))
			Expect(resp.Rcode).To(Equal(dns.RcodeRefused))
			Expect(upstream.callCount()).To(BeZero())
			Expect(recorder.last().Rules).To(Equal([]string{"||ads.example^"}))
			Expect(recorder.last().FilterListIDs).To(Equal([]int{3}))
			Expect(recorder.last().Whitelist).To(BeFalse())
		})

		It("lets an exception rule through and flags the event", func() {
			upstream := answering("u", aRecord("ads.example", 300, "1.2.3.4"))
			flt := &fakeFilter{rules: map[string][]filter.Rule{
				"ads.example": {
					{Text: "||ads.example^", FilterID: 3},
					{Text: "@@||ads.example^", FilterID: 3, Exception: true},
				},
			}}
			p := newProxy(flt, upstream)
			resp := handle(p, aQuery("ads.example"))
			Expect(resp.Rcode).To(Equal(dns.RcodeSuccess))
			Expect(resp.Answer).To(HaveLen(1))
			Expect(recorder.last().Whitelist).To(BeTrue())
		})
	})

	Describe("post-filtering", func() {
		It("blocks on a CNAME target", func() {
			upstream := answering("u",
				cnameRecord("innocent.example", "tracker.example", 300),
				aRecord("tracker.example", 300, "10.0.0.1"),
			)
			flt := &fakeFilter{rules: map[string][]filter.Rule{
				"tracker.example": {{Text: "||tracker.example^", FilterID: 1}},
			}}
			p := newProxy(flt, upstream)
			resp := handle(p, aQuery("innocent.example"))
			Expect(resp.Rcode).To(Equal(dns.RcodeRefused))
			Expect(recorder.last().OriginalAnswer).To(ContainSubstring("tracker.example"))
		})

		It("blocks on a resolved address", func() {
			upstream := answering("u", aRecord("innocent.example", 300, "203.0.113.66"))
			flt := &fakeFilter{rules: map[string][]filter.Rule{
				"203.0.113.66": {{Text: "203.0.113.66", FilterID: 1}},
			}}
			p := newProxy(flt, upstream)
			resp := handle(p, aQuery("innocent.example"))
			Expect(resp.Rcode).To(Equal(dns.RcodeRefused))
		})

		It("carries the domain's exception over the CNAME check", func() {
			upstream := answering("u",
				cnameRecord("innocent.example", "tracker.example", 300),
			)
			flt := &fakeFilter{rules: map[string][]filter.Rule{
				"innocent.example": {{Text: "@@||innocent.example^", FilterID: 1, Exception: true}},
				"tracker.example":  {{Text: "||tracker.example^", FilterID: 2}},
			}}
			p := newProxy(flt, upstream)
			resp := handle(p, aQuery("innocent.example"))
			Expect(resp.Rcode).To(Equal(dns.RcodeSuccess))
			Expect(recorder.last().Whitelist).To(BeTrue())
			Expect(recorder.last().Rules).To(Equal([]string{"@@||innocent.example^"}))
		})
	})

	Describe("IPv6 hard blocking", func() {
		BeforeEach(func() {
			settings.BlockIPv6 = true
		})

		It("answers a no-data SOA with RETRY=60 for AAAA queries", func() {
			upstream := answering("u", aaaaRecord("example.com", 300, "2001:db8::1"))
			p := newProxy(nil, upstream)
			resp := handle(p, aaaaQuery("example.com"))
			Expect(resp.Rcode).To(Equal(dns.RcodeSuccess))
			Expect(resp.Answer).To(BeEmpty())
			Expect(resp.Ns).To(HaveLen(1))
			Expect(resp.Ns[0].(*dns.SOA).Retry).To(Equal(uint32(60)))
			Expect(upstream.callCount()).To(BeZero())
		})

		It("still answers A queries", func() {
			p := newProxy(nil, answering("u", aRecord("example.com", 300, "93.184.216.34")))
			resp := handle(p, aQuery("example.com"))
			Expect(resp.Answer).To(HaveLen(1))
		})

		It("prefers a non-NOERROR filter verdict over the SOA", func() {
			settings.BlockingMode = BlockingModeNXDOMAIN
			flt := &fakeFilter{rules: map[string][]filter.Rule{
				"ads.example": {{Text: "||ads.example^", FilterID: 1}},
			}}
			p := newProxy(flt, answering("u"))
			resp := handle(p, aaaaQuery("ads.example"))
			Expect(resp.Rcode).To(Equal(dns.RcodeNameError))
		})
	})

	Describe("DNS64 in the pipeline", func() {
		It("replaces an AAAA-less answer with synthesized AAAAs", func() {
			settings.DNS64 = &DNS64Settings{MaxTries: 1, WaitTime: time.Millisecond}
			upstream := &fakeUpstream{addr: "u"}
			upstream.exchange = func(req *dns.Msg) (*dns.Msg, error) {
				resp := new(dns.Msg)
				resp.SetReply(req)
				if req.Question[0].Qtype == dns.TypeA {
					resp.Answer = append(resp.Answer,
						aRecord("ipv4only.arpa", 300, "192.0.0.170"),
						aRecord("ipv4only.arpa", 300, "192.0.0.171"),
					)
				}
				return resp, nil
			}
			p := newProxy(nil, upstream)
			p.dns64Prefixes = [][]byte{wellKnownPrefix}

			resp := handle(p, aaaaQuery("ipv4only.arpa"))
			Expect(resp.Answer).To(HaveLen(2))
			Expect(resp.Answer[0].(*dns.AAAA).AAAA.String()).To(Equal("64:ff9b::c000:aa"))
			Expect(resp.Answer[1].(*dns.AAAA).AAAA.String()).To(Equal("64:ff9b::c000:ab"))
		})
	})

	Describe("upstream failure", func() {
		It("answers SERVFAIL and reports the combined error", func() {
			id := 9
			broken := &fakeUpstream{addr: "broken", opts: UpstreamOptions{Address: "broken", ID: &id}}
			broken.exchange = func(*dns.Msg) (*dns.Msg, error) { return nil, errBoom }
			p := newProxy(nil, broken)
			resp := handle(p, aQuery("example.com"))
			Expect(resp.Rcode).To(Equal(dns.RcodeServerFailure))
			Expect(recorder.last().Error).To(ContainSubstring("first reason is"))
			Expect(recorder.last().UpstreamID).To(HaveValue(Equal(9)))
		})
	})

	It("round-trips well-formed queries byte-identically through the codec", func() {
		req := aQuery("example.com")
		req.Id = 0x0102
		raw, err := req.Pack()
		Expect(err).ToNot(HaveOccurred())
		parsed := new(dns.Msg)
		Expect(parsed.Unpack(raw)).To(Succeed())
		again, err := parsed.Pack()
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(raw))
	})
})

var _ = Describe("Proxy.Init()", func() {
	It("fails without any upstream", func() {
		p := New()
		_, err := p.Init(DefaultSettings(), Events{})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("failed to initialize any upstream"))
	})

	It("fails on an invalid custom blocking address", func() {
		settings := DefaultSettings()
		settings.Upstreams = []UpstreamOptions{{Address: "127.0.0.1:53053"}}
		settings.BlockingMode = BlockingModeCustomAddress
		settings.CustomBlockingIPv4 = "not-an-ip"
		p := New()
		_, err := p.Init(settings, Events{})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("invalid custom blocking IPv4"))
	})

	It("accepts empty custom blocking addresses with a warning only", func() {
		settings := DefaultSettings()
		settings.Upstreams = []UpstreamOptions{{Address: "127.0.0.1:53053"}}
		settings.BlockingMode = BlockingModeCustomAddress
		p := New()
		_, err := p.Init(settings, Events{})
		Expect(err).ToNot(HaveOccurred())
		p.Deinit()
	})

	It("rejects unknown upstream schemes", func() {
		settings := DefaultSettings()
		settings.Upstreams = []UpstreamOptions{{Address: "carrier-pigeon://10.0.0.1"}}
		p := New()
		_, err := p.Init(settings, Events{})
		Expect(err).To(HaveOccurred())
	})

	It("initializes and tears down cleanly", func() {
		settings := DefaultSettings()
		settings.CacheSize = 10
		settings.Upstreams = []UpstreamOptions{{Address: "127.0.0.1:53053"}}
		p := New()
		warning, err := p.Init(settings, Events{})
		Expect(err).ToNot(HaveOccurred())
		Expect(warning).To(BeEmpty())
		Expect(p.GetSettings().CacheSize).To(Equal(10))
		p.Deinit()
	})
})
