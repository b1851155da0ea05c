package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"dnsveil/filter"
)

// fakeUpstream scripts exchanges for the dispatcher and pipeline specs.
type fakeUpstream struct {
	rttTracker
	addr     string
	opts     UpstreamOptions
	exchange func(req *dns.Msg) (*dns.Msg, error)

	mu    sync.Mutex
	calls int
}

func (u *fakeUpstream) Exchange(req *dns.Msg) (*dns.Msg, error) {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()
	return u.exchange(req)
}

func (u *fakeUpstream) Address() string          { return u.addr }
func (u *fakeUpstream) Options() UpstreamOptions { return u.opts }
func (u *fakeUpstream) Close() error             { return nil }

func (u *fakeUpstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// answering returns an upstream that echoes back the given answer RRs.
func answering(addr string, answers ...dns.RR) *fakeUpstream {
	u := &fakeUpstream{addr: addr, opts: UpstreamOptions{Address: addr}}
	u.exchange = func(req *dns.Msg) (*dns.Msg, error) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = append(resp.Answer, answers...)
		return resp, nil
	}
	return u
}

// timeoutError mimics a net.Error timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errBoom = errors.New("connection refused")

// fakeFilter returns canned rules per hostname.
type fakeFilter struct {
	rules map[string][]filter.Rule
}

func (f *fakeFilter) Match(hostname string) []filter.Rule {
	return f.rules[hostname]
}

// newTestProxy assembles a Proxy around fakes, skipping Init's upstream
// factory.
func newTestProxy(settings Settings, flt Filter, upstreams ...Upstream) *Proxy {
	p := &Proxy{
		settings:  settings,
		filter:    flt,
		upstreams: upstreams,
		cache:     newResponseCache(settings.CacheSize),
	}
	if p.filter == nil {
		p.filter = &fakeFilter{}
	}
	p.refreshCtx, p.refreshCancel = context.WithCancel(context.Background())
	return p
}

func aQuery(name string) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return req
}

func aaaaQuery(name string) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeAAAA)
	return req
}

func aRecord(name string, ttl uint32, ip string) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   mustParseIP4(ip),
	}
}

func aaaaRecord(name string, ttl uint32, ip string) *dns.AAAA {
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
		AAAA: mustParseIP16(ip),
	}
}

func mustParseIP4(s string) net.IP  { return net.ParseIP(s).To4() }
func mustParseIP16(s string) net.IP { return net.ParseIP(s).To16() }

func cnameRecord(name, target string, ttl uint32) *dns.CNAME {
	return &dns.CNAME{
		Hdr:    dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
		Target: dns.Fqdn(target),
	}
}

// eventRecorder is an OnRequestProcessed callback that keeps every event it
// receives and can wait for asynchronously emitted ones.
type eventRecorder struct {
	mu     sync.Mutex
	events []ProcessedEvent
	count  atomic.Int32
}

func (r *eventRecorder) record(event ProcessedEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.count.Add(1)
}

func (r *eventRecorder) last() ProcessedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *eventRecorder) waitFor(n int32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for r.count.Load() < n {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}
