package proxy

import (
	"github.com/miekg/dns"
)

// plainUpstream speaks classic DNS. In "udp" mode a truncated reply is
// retried over TCP so the client never sees TC from us.
type plainUpstream struct {
	rttTracker
	opts    UpstreamOptions
	addr    string
	network string // "udp" or "tcp"
	udp     *dns.Client
	tcp     *dns.Client
}

func newPlainUpstream(opts UpstreamOptions, network string) (*plainUpstream, error) {
	addr, err := hostPort(opts.Address, "53")
	if err != nil {
		return nil, err
	}
	return &plainUpstream{
		opts:    opts,
		addr:    addr,
		network: network,
		udp:     &dns.Client{Net: "udp", Timeout: opts.Timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: opts.Timeout},
	}, nil
}

func (u *plainUpstream) Exchange(req *dns.Msg) (*dns.Msg, error) {
	if u.network == "tcp" {
		resp, _, err := u.tcp.Exchange(req, u.addr)
		return resp, err
	}
	resp, _, err := u.udp.Exchange(req, u.addr)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		resp, _, err = u.tcp.Exchange(req, u.addr)
	}
	return resp, err
}

func (u *plainUpstream) Address() string          { return u.opts.Address }
func (u *plainUpstream) Options() UpstreamOptions { return u.opts }
func (u *plainUpstream) Close() error             { return nil }
