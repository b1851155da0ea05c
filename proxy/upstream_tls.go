package proxy

import (
	"context"

	"github.com/miekg/dns"
)

// tlsUpstream speaks DNS-over-TLS (RFC 7858).
type tlsUpstream struct {
	rttTracker
	opts   UpstreamOptions
	boot   *bootstrapper
	client *dns.Client
}

func newTLSUpstream(opts UpstreamOptions, cfg *upstreamFactoryConfig) (*tlsUpstream, error) {
	addr, err := hostPort(opts.Address, "853")
	if err != nil {
		return nil, err
	}
	ipv6 := cfg != nil && cfg.ipv6Available
	return &tlsUpstream{
		opts: opts,
		boot: newBootstrapper(addr, opts.Bootstrap, ipv6),
		client: &dns.Client{
			Net:       "tcp-tls",
			Timeout:   opts.Timeout,
			TLSConfig: makeTLSConfig(serverNameOf(opts.Address), cfg),
		},
	}, nil
}

func (u *tlsUpstream) Exchange(req *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(context.Background(), u.opts.Timeout)
	defer cancel()
	addr, err := u.boot.resolve(ctx)
	if err != nil {
		return nil, err
	}
	resp, _, err := u.client.ExchangeContext(ctx, req, addr)
	return resp, err
}

func (u *tlsUpstream) Address() string          { return u.opts.Address }
func (u *tlsUpstream) Options() UpstreamOptions { return u.opts }
func (u *tlsUpstream) Close() error             { return nil }
