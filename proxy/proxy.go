// Package proxy implements a filtering DNS forwarder: it parses raw queries,
// answers them from a TTL-aware response cache, synthesizes blocking
// responses for filtered names and addresses, optionally performs DNS64 AAAA
// synthesis, and otherwise forwards to the fastest healthy upstream.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"dnsveil/filter"
)

// Version is stamped by the build; see the -X linker flag in the Makefile of
// whoever embeds us.
var Version = "0.0.0"

var log = logrus.WithField("module", "proxy")

// mozillaDoHHost is the canary domain browsers probe before enabling their
// own DoH; answering NXDOMAIN keeps resolution on us.
const mozillaDoHHost = "use-application-dns.net."

// Filter matches one hostname (or address literal) against the loaded rule
// lists. The engine in dnsveil/filter satisfies it; tests substitute fakes.
type Filter interface {
	Match(hostname string) []filter.Rule
}

// Proxy is the forwarder. Create with New, then Init; HandleMessage is safe
// for concurrent use until Deinit.
type Proxy struct {
	settings Settings
	events   Events

	upstreams []Upstream
	fallbacks []Upstream
	filter    Filter
	cache     *responseCache

	dns64Mu       sync.RWMutex
	dns64Prefixes [][]byte

	refreshGroup  singleflight.Group
	refreshWG     sync.WaitGroup
	refreshCtx    context.Context
	refreshCancel context.CancelFunc
}

// New returns an uninitialized Proxy.
func New() *Proxy {
	return &Proxy{}
}

// Init validates the settings, builds the upstreams and the filtering engine
// and starts DNS64 discovery. The returned warning is non-empty when the
// proxy came up degraded (e.g. a filter list failed to load); err is non-nil
// when it did not come up at all, in which case all partial state has been
// torn down again.
func (p *Proxy) Init(settings Settings, events Events) (warning string, err error) {
	log.Info("initializing forwarder")
	p.settings = settings
	p.events = events
	p.refreshCtx, p.refreshCancel = context.WithCancel(context.Background())

	if settings.BlockingMode == BlockingModeCustomAddress {
		if settings.CustomBlockingIPv4 == "" {
			log.Warn("custom blocking IPv4 not set: blocking responses to A queries will be empty")
		} else if ip := net.ParseIP(settings.CustomBlockingIPv4); ip == nil || ip.To4() == nil {
			err = fmt.Errorf("invalid custom blocking IPv4 address: %q", settings.CustomBlockingIPv4)
			p.Deinit()
			return "", err
		}
		if settings.CustomBlockingIPv6 == "" {
			log.Warn("custom blocking IPv6 not set: blocking responses to AAAA queries will be empty")
		} else if ip := net.ParseIP(settings.CustomBlockingIPv6); ip == nil || ip.To4() != nil {
			err = fmt.Errorf("invalid custom blocking IPv6 address: %q", settings.CustomBlockingIPv6)
			p.Deinit()
			return "", err
		}
	}

	factoryConfig := &upstreamFactoryConfig{
		ipv6Available: settings.IPv6Available,
		verify:        events.OnCertificateVerification,
	}
	for _, opts := range settings.Upstreams {
		upstream, upstreamErr := newUpstream(opts, factoryConfig)
		if upstreamErr != nil {
			log.Errorf("failed to create upstream %s: %v", opts.Address, upstreamErr)
			continue
		}
		p.upstreams = append(p.upstreams, upstream)
	}
	for _, opts := range settings.Fallbacks {
		upstream, upstreamErr := newUpstream(opts, factoryConfig)
		if upstreamErr != nil {
			log.Errorf("failed to create fallback upstream %s: %v", opts.Address, upstreamErr)
			continue
		}
		p.fallbacks = append(p.fallbacks, upstream)
	}
	if len(p.upstreams) == 0 && len(p.fallbacks) == 0 {
		p.Deinit()
		return "", errors.New("failed to initialize any upstream")
	}

	engine, filterWarning, filterErr := filter.New(settings.FilterParams)
	if filterErr != nil {
		p.Deinit()
		return "", fmt.Errorf("initializing the filtering engine: %w", filterErr)
	}
	if filterWarning != "" {
		log.Warnf("filtering engine initialized with warnings:\n%s", filterWarning)
	}
	p.filter = engine

	if settings.DNS64 != nil {
		log.Info("dns64 discovery is enabled")
		p.refreshWG.Add(1)
		go p.discoverPrefixesLoop(*settings.DNS64, factoryConfig)
	}

	p.cache = newResponseCache(settings.CacheSize)
	log.Info("forwarder initialized")
	return filterWarning, nil
}

// Deinit cancels queued refresh tasks, waits for the started ones to drain,
// and tears down upstreams and cache. The proxy must not be used afterwards.
func (p *Proxy) Deinit() {
	log.Info("deinitializing forwarder")
	if p.refreshCancel != nil {
		p.refreshCancel()
	}
	p.refreshWG.Wait()

	for _, upstream := range p.upstreams {
		_ = upstream.Close()
	}
	p.upstreams = nil
	for _, upstream := range p.fallbacks {
		_ = upstream.Close()
	}
	p.fallbacks = nil
	p.filter = nil
	if p.cache != nil {
		p.cache.clear()
	}
	log.Info("forwarder deinitialized")
}

// GetSettings returns the settings the proxy was initialized with.
func (p *Proxy) GetSettings() *Settings {
	return &p.settings
}

// GetVersion returns the library version.
func GetVersion() string {
	return Version
}

// logPacket dumps a message at debug level; the String call is costly, so we
// check first.
func logPacket(msg *dns.Msg, name string) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.Debugf("[%d] %s:\n%s", msg.Id, name, msg.String())
}

// HandleMessage processes one raw DNS query and always produces a reply:
// a cached, blocking, synthesized or forwarded response, a SERVFAIL when
// resolution failed, or nil only when the request itself did not parse.
func (p *Proxy) HandleMessage(packet []byte) []byte {
	event := ProcessedEvent{StartTime: time.Now().UnixMilli()}

	req := new(dns.Msg)
	if err := req.Unpack(packet); err != nil {
		errStr := fmt.Sprintf("failed to parse payload: %v", err)
		log.Debugf("handleMessage: %s", errStr)
		p.finalizeEvent(&event, nil, nil, nil, nil, errStr)
		return nil
	}
	logPacket(req, "client dns request")

	if len(req.Question) == 0 {
		errStr := "message has no question section"
		log.Debugf("[%d] %s", req.Id, errStr)
		resp := servfailResponse(req)
		logPacket(resp, "server failure response")
		raw := p.pack(&event, resp)
		p.finalizeEvent(&event, nil, resp, nil, nil, errStr)
		return raw
	}
	q := req.Question[0]
	event.Domain = q.Name

	key := fingerprint(req)
	if resp, upstreamID, expired, ok := p.cache.lookup(key, req, p.settings.UDPRecvBufSize); ok {
		stale := false
		if expired {
			if p.settings.OptimisticCache {
				p.scheduleCacheRefresh(key, req.Copy())
			} else {
				stale = true // treat as a miss, resolve as usual
			}
		}
		if !stale {
			logPacket(resp, "cached response")
			event.CacheHit = true
			raw := p.pack(&event, resp)
			p.finalizeEvent(&event, req, resp, nil, upstreamID, "")
			return raw
		}
	}

	// disable browser-side DoH probing
	if (q.Qtype == dns.TypeA || q.Qtype == dns.TypeAAAA) && strings.EqualFold(q.Name, mozillaDoHHost) {
		resp := nxdomainResponse(req, &p.settings)
		logPacket(resp, "mozilla doh blocking response")
		raw := p.pack(&event, resp)
		p.finalizeEvent(&event, req, resp, nil, nil, "")
		return raw
	}

	pureDomain := strings.TrimSuffix(q.Name, ".")
	log.Tracef("[%d] query domain: %s", req.Id, pureDomain)

	var effectiveRules []filter.Rule

	if p.settings.BlockIPv6 && q.Qtype == dns.TypeAAAA {
		// still run the filter so the event records matched rules
		raw, rcode := p.applyFilter(pureDomain, req, nil, &event, &effectiveRules, false)
		if raw == nil || rcode == dns.RcodeSuccess {
			log.Debugf("[%d] AAAA query blocked because IPv6 blocking is enabled", req.Id)
			resp := soaResponse(req, &p.settings, soaRetryIPv6Block)
			logPacket(resp, "ipv6 blocking response")
			return p.pack(&event, resp)
		}
		return raw
	}

	if raw, _ := p.applyFilter(pureDomain, req, nil, &event, &effectiveRules, true); raw != nil {
		return raw
	}

	resp, selected, exchangeErr := p.exchangeUpstreams(req)
	if resp == nil {
		resp = servfailResponse(req)
		logPacket(resp, "server failure response")
		errStr := ""
		if exchangeErr != nil {
			errStr = exchangeErr.Error()
		}
		var upstreamID *int
		if selected != nil {
			upstreamID = selected.Options().ID
		}
		raw := p.pack(&event, resp)
		p.finalizeEvent(&event, req, resp, nil, upstreamID, errStr)
		return raw
	}
	logPacket(resp, fmt.Sprintf("upstream (%s) dns response", selected.Address()))

	if resp.Rcode == dns.RcodeSuccess {
		for _, rr := range resp.Answer {
			switch answer := rr.(type) {
			case *dns.CNAME:
				target := strings.TrimSuffix(answer.Target, ".")
				log.Tracef("[%d] response CNAME: %s", req.Id, target)
				if raw, _ := p.applyFilter(target, req, resp, &event, &effectiveRules, true); raw != nil {
					return raw
				}
			case *dns.A:
				log.Tracef("[%d] response IP: %s", req.Id, answer.A)
				if raw, _ := p.applyFilter(answer.A.String(), req, resp, &event, &effectiveRules, true); raw != nil {
					return raw
				}
			case *dns.AAAA:
				log.Tracef("[%d] response IP: %s", req.Id, answer.AAAA)
				if raw, _ := p.applyFilter(answer.AAAA.String(), req, resp, &event, &effectiveRules, true); raw != nil {
					return raw
				}
			}
		}

		if p.settings.DNS64 != nil && q.Qtype == dns.TypeAAAA {
			hasAAAA := false
			for _, rr := range resp.Answer {
				if rr.Header().Rrtype == dns.TypeAAAA {
					hasAAAA = true
					break
				}
			}
			if !hasAAAA {
				if synth := p.tryDNS64Synthesis(req, selected); synth != nil {
					resp = synth
					logPacket(resp, "dns64 synthesized response")
				}
			}
		}
	}

	raw := p.pack(&event, resp)
	event.BytesSent = len(packet)
	event.BytesReceived = len(raw)
	p.finalizeEvent(&event, req, resp, nil, selected.Options().ID, "")
	p.cache.insert(key, resp, selected.Options().ID)
	return raw
}

// applyFilter matches hostname, layers the carried rules from earlier stages
// of the same request on top, and synthesizes a blocking response when the
// decisive rule blocks. Returns nil when the query may proceed. fireEvent is
// off on the IPv6-block path, where the caller decides what to answer.
func (p *Proxy) applyFilter(hostname string, req, origResp *dns.Msg, event *ProcessedEvent,
	lastEffectiveRules *[]filter.Rule, fireEvent bool) (raw []byte, rcode int) {

	rules := p.filter.Match(hostname)
	for _, rule := range rules {
		log.Tracef("[%d] matched rule: %s", req.Id, rule.Text)
	}
	rules = append(rules, *lastEffectiveRules...)
	effective := filter.GetEffectiveRules(rules)

	appendEventRules(event, effective)
	*lastEffectiveRules = effective

	if len(effective) == 0 || effective[0].Exception {
		return nil, 0
	}

	log.Debugf("[%d] query blocked by rule: %s", req.Id, effective[0].Text)
	resp := blockingResponse(req, &p.settings, effective)
	logPacket(resp, "rule blocked response")
	raw = p.pack(event, resp)
	if fireEvent {
		p.finalizeEvent(event, req, resp, origResp, nil, "")
	}
	return raw, resp.Rcode
}

// pack serializes a response, recording it on the event. Pack only fails on
// malformed hand-built messages, which we treat as a bug worth logging.
func (p *Proxy) pack(event *ProcessedEvent, resp *dns.Msg) []byte {
	raw, err := resp.Pack()
	if err != nil {
		log.Errorf("[%d] failed to serialize response: %v", resp.Id, err)
		return nil
	}
	event.RawResponse = raw
	return raw
}
