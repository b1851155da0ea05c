package proxy

import (
	"github.com/miekg/dns"
)

// scheduleCacheRefresh re-resolves an expired fingerprint in the background.
// The singleflight group guarantees at most one exchange per fingerprint is
// in flight; late duplicates attach to the running one instead of spawning
// another. Tasks that have not started when the proxy is torn down observe
// the cancelled context and exit; Deinit waits for the rest to drain.
func (p *Proxy) scheduleCacheRefresh(key string, req *dns.Msg) {
	p.refreshWG.Add(1)
	go func() {
		defer p.refreshWG.Done()
		select {
		case <-p.refreshCtx.Done():
			return
		default:
		}
		_, _, _ = p.refreshGroup.Do(key, func() (interface{}, error) {
			log.Debugf("[%d] starting async upstream exchange for %s", req.Id, key)
			resp, upstream, err := p.exchangeUpstreams(req)
			if resp == nil {
				log.Debugf("[%d] async upstream exchange failed: %v, removing entry from cache", req.Id, err)
				p.cache.erase(key)
				return nil, nil
			}
			logPacket(resp, "async upstream exchange result")
			var upstreamID *int
			if upstream != nil {
				upstreamID = upstream.Options().ID
			}
			p.cache.insert(key, resp, upstreamID)
			return nil, nil
		})
	}()
}
