package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

// httpsUpstream speaks DNS-over-HTTPS (RFC 8484): the query is POSTed in wire
// format and the answer comes back the same way.
type httpsUpstream struct {
	rttTracker
	opts   UpstreamOptions
	url    string
	client *http.Client
}

func newHTTPSUpstream(opts UpstreamOptions, cfg *upstreamFactoryConfig) (*httpsUpstream, error) {
	addr, err := hostPort(opts.Address, "443")
	if err != nil {
		return nil, err
	}
	ipv6 := cfg != nil && cfg.ipv6Available
	boot := newBootstrapper(addr, opts.Bootstrap, ipv6)

	dialer := &net.Dialer{Timeout: opts.Timeout}
	transport := &http.Transport{
		TLSClientConfig: makeTLSConfig(serverNameOf(opts.Address), cfg, "h2", "http/1.1"),
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			resolved, err := boot.resolve(ctx)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, resolved)
		},
		IdleConnTimeout: 5 * time.Minute,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configuring h2 for %q: %w", opts.Address, err)
	}

	return &httpsUpstream{
		opts:   opts,
		url:    opts.Address,
		client: &http.Client{Transport: transport, Timeout: opts.Timeout},
	}, nil
}

func (u *httpsUpstream) Exchange(req *dns.Msg) (*dns.Msg, error) {
	// RFC 8484 wants id 0 for cacheability; restore it on the way out
	id := req.Id
	reqCopy := req.Copy()
	reqCopy.Id = 0
	packed, err := reqCopy.Pack()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, u.url, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/dns-message")
	httpReq.Header.Set("Accept", "application/dns-message")

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream %s replied HTTP %d", u.opts.Address, httpResp.StatusCode)
	}
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, fmt.Errorf("unpacking DoH response from %s: %w", u.opts.Address, err)
	}
	resp.Id = id
	return resp, nil
}

func (u *httpsUpstream) Address() string          { return u.opts.Address }
func (u *httpsUpstream) Options() UpstreamOptions { return u.opts }

func (u *httpsUpstream) Close() error {
	u.client.CloseIdleConnections()
	return nil
}
