package proxy

import (
	"fmt"
	"time"

	"github.com/miekg/dns"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// freshResponse builds a cacheable NOERROR answer for an A question.
func freshResponse(name string, ttl uint32, ip string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(aQuery(name))
	resp.Authoritative = true
	resp.Answer = append(resp.Answer, aRecord(name, ttl, ip))
	return resp
}

var _ = Describe("responseCache", func() {
	var cache *responseCache

	BeforeEach(func() {
		cache = newResponseCache(16)
	})

	Describe("insert() and lookup()", func() {
		It("patches id, question and TTL on the way out", func() {
			key := fingerprint(aQuery("example.com"))
			cache.insert(key, freshResponse("example.com", 300, "93.184.216.34"), nil)

			live := aQuery("EXAMPLE.com")
			live.Id = 0x1234
			resp, _, expired, ok := cache.lookup(fingerprint(live), live, 4096)
			Expect(ok).To(BeTrue())
			Expect(expired).To(BeFalse())
			Expect(resp.Id).To(Equal(uint16(0x1234)))
			Expect(resp.Question).To(HaveLen(1))
			Expect(resp.Question[0].Name).To(Equal("EXAMPLE.com."))
			Expect(resp.Answer).To(HaveLen(1))
			Expect(resp.Answer[0].Header().Ttl).To(BeNumerically("<=", 300))
			Expect(resp.Answer[0].Header().Ttl).To(BeNumerically(">=", 299))
		})

		It("strips the question and the AA bit from the stored template", func() {
			key := fingerprint(aQuery("example.com"))
			resp := freshResponse("example.com", 300, "93.184.216.34")
			cache.insert(key, resp, nil)
			Expect(resp.Question).To(BeEmpty())
			Expect(resp.Authoritative).To(BeFalse())
		})

		It("clones the template on every lookup", func() {
			key := fingerprint(aQuery("example.com"))
			cache.insert(key, freshResponse("example.com", 300, "93.184.216.34"), nil)
			first, _, _, _ := cache.lookup(key, aQuery("example.com"), 4096)
			first.Answer[0].(*dns.A).A[0] = 9
			second, _, _, _ := cache.lookup(key, aQuery("example.com"), 4096)
			Expect(second.Answer[0].(*dns.A).A[0]).To(Equal(byte(93)))
		})

		It("reports the upstream id the entry was stored with", func() {
			id := 42
			key := fingerprint(aQuery("example.com"))
			cache.insert(key, freshResponse("example.com", 300, "93.184.216.34"), &id)
			_, upstreamID, _, ok := cache.lookup(key, aQuery("example.com"), 4096)
			Expect(ok).To(BeTrue())
			Expect(upstreamID).To(HaveValue(Equal(42)))
		})
	})

	Describe("cacheability", func() {
		key := "k"

		It("refuses truncated responses", func() {
			resp := freshResponse("example.com", 300, "93.184.216.34")
			resp.Truncated = true
			cache.insert(key, resp, nil)
			Expect(cache.len()).To(BeZero())
		})

		It("refuses non-NOERROR responses", func() {
			resp := freshResponse("example.com", 300, "93.184.216.34")
			resp.Rcode = dns.RcodeNameError
			cache.insert(key, resp, nil)
			Expect(cache.len()).To(BeZero())
		})

		It("refuses an A response with no A records", func() {
			resp := new(dns.Msg)
			resp.SetReply(aQuery("example.com"))
			resp.Answer = append(resp.Answer, cnameRecord("example.com", "other.example", 300))
			cache.insert(key, resp, nil)
			Expect(cache.len()).To(BeZero())
		})

		It("refuses responses with no records at all", func() {
			resp := new(dns.Msg)
			resp.SetReply(aQuery("example.com"))
			resp.Question[0].Qtype = dns.TypeTXT
			cache.insert(key, resp, nil)
			Expect(cache.len()).To(BeZero())
		})

		It("refuses zero-TTL responses", func() {
			cache.insert(key, freshResponse("example.com", 0, "93.184.216.34"), nil)
			Expect(cache.len()).To(BeZero())
		})

		It("refuses responses carrying EDNS options", func() {
			resp := freshResponse("example.com", 300, "93.184.216.34")
			resp.SetEdns0(4096, false)
			opt := resp.IsEdns0()
			opt.Option = append(opt.Option, &dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: "2a"})
			cache.insert(key, resp, nil)
			Expect(cache.len()).To(BeZero())
		})

		It("is a no-op when capacity is zero", func() {
			disabled := newResponseCache(0)
			disabled.insert(key, freshResponse("example.com", 300, "93.184.216.34"), nil)
			_, _, _, ok := disabled.lookup(key, aQuery("example.com"), 4096)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("expiry", func() {
		It("serves an expired entry with TTL 1 and flags it", func() {
			key := fingerprint(aQuery("example.com"))
			resp := freshResponse("example.com", 300, "93.184.216.34")
			cache.insert(key, resp, nil)
			// backdate the deadline
			cache.mu.Lock()
			elem := cache.entries[key]
			elem.Value.(*cacheEntry).val.expiresAt = time.Now().Add(-time.Second)
			cache.mu.Unlock()

			got, _, expired, ok := cache.lookup(key, aQuery("example.com"), 4096)
			Expect(ok).To(BeTrue())
			Expect(expired).To(BeTrue())
			Expect(got.Answer[0].Header().Ttl).To(Equal(uint32(1)))
		})
	})

	Describe("eviction", func() {
		It("evicts the least recently used entry over capacity", func() {
			small := newResponseCache(2)
			for i := 0; i < 3; i++ {
				name := fmt.Sprintf("host%d.example.com", i)
				small.insert(fingerprint(aQuery(name)), freshResponse(name, 300, "10.0.0.1"), nil)
			}
			Expect(small.len()).To(Equal(2))
			_, _, _, ok := small.lookup(fingerprint(aQuery("host0.example.com")), aQuery("host0.example.com"), 4096)
			Expect(ok).To(BeFalse())
			_, _, _, ok = small.lookup(fingerprint(aQuery("host2.example.com")), aQuery("host2.example.com"), 4096)
			Expect(ok).To(BeTrue())
		})
	})

	Describe("erase()", func() {
		It("removes the entry", func() {
			key := fingerprint(aQuery("example.com"))
			cache.insert(key, freshResponse("example.com", 300, "93.184.216.34"), nil)
			cache.erase(key)
			_, _, _, ok := cache.lookup(key, aQuery("example.com"), 4096)
			Expect(ok).To(BeFalse())
		})
	})
})
