package proxy

import (
	"container/list"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// cachedResponse owns a response template: the question section is stripped,
// AA is cleared, and the stored message is never handed out directly; lookups
// clone it.
type cachedResponse struct {
	resp       *dns.Msg
	expiresAt  time.Time
	upstreamID *int
}

type cacheEntry struct {
	key string
	val cachedResponse
}

// responseCache is a bounded LRU keyed by request fingerprint. Reads run
// under the shared lock; the recency bump on an expired entry briefly takes
// the exclusive lock, as do inserts and evictions.
type responseCache struct {
	mu       sync.RWMutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

func newResponseCache(capacity int) *responseCache {
	return &responseCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// lookup clones the stored template and patches it for the live request:
// response id, the EDNS UDP size, a fresh copy of the live question section,
// and every RR TTL set to the remaining lifetime (≥ 1s). An expired entry is
// demoted to least-recently-used, served with TTL 1 and flagged expired so
// the caller can decide between a refresh and a miss.
func (c *responseCache) lookup(key string, req *dns.Msg, udpBufSize uint16) (resp *dns.Msg, upstreamID *int, expired, ok bool) {
	if c.capacity == 0 {
		return nil, nil, false, false
	}
	if hasUnsupportedExtensions(req) {
		// such a request cannot be answered from a template faithfully
		return nil, nil, false, false
	}

	var ttl uint32
	c.mu.RLock()
	elem, found := c.entries[key]
	if !found {
		c.mu.RUnlock()
		return nil, nil, false, false
	}
	entry := elem.Value.(*cacheEntry)
	upstreamID = entry.val.upstreamID
	remaining := time.Until(entry.val.expiresAt)
	if remaining <= 0 {
		ttl = 1
		expired = true
	} else {
		ttl = uint32((remaining + time.Second - 1) / time.Second)
	}
	resp = entry.val.resp.Copy()
	c.mu.RUnlock()

	if expired {
		c.mu.Lock()
		if elem, found := c.entries[key]; found {
			c.order.MoveToBack(elem)
		}
		c.mu.Unlock()
	}

	resp.Id = req.Id
	if opt := resp.IsEdns0(); opt != nil {
		opt.SetUDPSize(udpBufSize)
	}
	resp.Question = make([]dns.Question, len(req.Question))
	copy(resp.Question, req.Question)
	for _, section := range [][]dns.RR{resp.Answer, resp.Ns, resp.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			rr.Header().Ttl = ttl
		}
	}
	return resp, upstreamID, expired, true
}

// minRRTTL is the minimum TTL across all sections, OPT excluded. A message
// with no RRs at all yields 0, which makes it uncacheable.
func minRRTTL(msg *dns.Msg) uint32 {
	var minTTL uint32 = ^uint32(0)
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if ttl := rr.Header().Ttl; ttl < minTTL {
				minTTL = ttl
			}
		}
	}
	if minTTL == ^uint32(0) {
		return 0
	}
	return minTTL
}

// insert stores resp if it is cacheable: not truncated, exactly one question,
// NOERROR, no unsupported EDNS extensions, at least one answer of the
// requested type for A/AAAA questions, and a minimum RR TTL of at least one
// second. The stored template loses its question section and its AA bit; it
// takes ownership of resp.
func (c *responseCache) insert(key string, resp *dns.Msg, upstreamID *int) {
	if c.capacity == 0 {
		return
	}
	if resp.Truncated || len(resp.Question) != 1 || resp.Rcode != dns.RcodeSuccess ||
		hasUnsupportedExtensions(resp) {
		return
	}

	if qtype := resp.Question[0].Qtype; qtype == dns.TypeA || qtype == dns.TypeAAAA {
		found := false
		for _, rr := range resp.Answer {
			if rr.Header().Rrtype == qtype {
				found = true
				break
			}
		}
		if !found {
			return
		}
	}

	// patched back in at lookup time
	resp.Question = nil
	resp.Authoritative = false

	ttl := minRRTTL(resp)
	if ttl == 0 {
		return
	}

	val := cachedResponse{
		resp:       resp,
		expiresAt:  time.Now().Add(time.Duration(ttl) * time.Second),
		upstreamID: upstreamID,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, found := c.entries[key]; found {
		elem.Value.(*cacheEntry).val = val
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, val: val})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *responseCache) erase(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, found := c.entries[key]; found {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

func (c *responseCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

func (c *responseCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// hasUnsupportedExtensions reports EDNS features the cache cannot faithfully
// replay: options, an extended rcode, or unassigned header flags.
func hasUnsupportedExtensions(msg *dns.Msg) bool {
	opt := msg.IsEdns0()
	if opt == nil {
		return false
	}
	return len(opt.Option) > 0 || opt.ExtendedRcode() != 0 || opt.Hdr.Ttl&0x7fff != 0
}
