package proxy

import (
	"strings"

	"github.com/miekg/dns"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"dnsveil/testhelper"
)

var _ = Describe("fingerprint()", func() {
	It("is case-insensitive on the name", func() {
		domain := testhelper.Random8ByteString() + ".com"
		Expect(fingerprint(aQuery(strings.ToUpper(domain)))).To(Equal(fingerprint(aQuery(strings.ToLower(domain)))))
	})

	It("separates distinct names", func() {
		Expect(fingerprint(aQuery(testhelper.Random8ByteString() + ".com"))).
			ToNot(Equal(fingerprint(aQuery(testhelper.Random8ByteString() + ".com"))))
	})

	It("separates qtypes", func() {
		Expect(fingerprint(aQuery("example.com"))).ToNot(Equal(fingerprint(aaaaQuery("example.com"))))
	})

	It("keys the root as a lone dot", func() {
		Expect(fingerprint(aQuery("."))).To(HaveSuffix("|."))
	})

	It("includes the DO bit", func() {
		plain := aQuery("example.com")
		withDO := aQuery("example.com")
		withDO.SetEdns0(4096, true)
		Expect(fingerprint(plain)).ToNot(Equal(fingerprint(withDO)))
	})

	It("includes the CD bit", func() {
		plain := aQuery("example.com")
		withCD := aQuery("example.com")
		withCD.CheckingDisabled = true
		Expect(fingerprint(plain)).ToNot(Equal(fingerprint(withCD)))
	})

	When("EDNS carries anything besides DO", func() {
		It("does not participate in the key", func() {
			plain := aQuery("example.com")
			withOpt := aQuery("example.com")
			withOpt.SetEdns0(1232, false)
			opt := withOpt.IsEdns0()
			opt.Option = append(opt.Option, &dns.EDNS0_COOKIE{Code: dns.EDNS0COOKIE, Cookie: "2a"})
			Expect(fingerprint(plain)).To(Equal(fingerprint(withOpt)))
		})
	})
})
