package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// exchangeUpstreams walks the primaries and then the fallbacks, each group
// snapshotted and sorted by measured RTT, and returns the first answer. A
// timed-out upstream is skipped; any other failure gets exactly one retry
// against the same upstream before moving on. When everything fails the last
// error and the last upstream tried are returned so the caller can report
// them.
func (p *Proxy) exchangeUpstreams(req *dns.Msg) (*dns.Msg, Upstream, error) {
	var last Upstream
	var lastErr error
	for _, group := range [][]Upstream{p.upstreams, p.fallbacks} {
		sorted := make([]Upstream, len(group))
		copy(sorted, group)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].RTT() < sorted[j].RTT()
		})

		for _, upstream := range sorted {
			last = upstream

			start := time.Now()
			log.Tracef("[%d] upstream (%s) is starting an exchange", req.Id, upstream.Address())
			resp, err := upstream.Exchange(req)
			upstream.AdjustRTT(time.Since(start))

			if err == nil {
				return resp, upstream, nil
			}
			if isTimeout(err) {
				log.Debugf("[%d] upstream (%s) exchange failed: %v", req.Id, upstream.Address(), err)
				lastErr = err
				continue
			}
			// transient failures are often gone on the second attempt
			retryResp, retryErr := upstream.Exchange(req)
			if retryErr == nil {
				return retryResp, upstream, nil
			}
			lastErr = fmt.Errorf("upstream (%s) exchange failed: first reason is %v, second is: %v",
				upstream.Address(), err, retryErr)
			log.Debugf("[%d] %v", req.Id, lastErr)
		}
	}
	return nil, last, lastErr
}

// isTimeout classifies an exchange error as a timeout, which the dispatcher
// treats as terminal for that upstream within the current request.
func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err)
}
