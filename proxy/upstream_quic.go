package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// quicUpstream speaks DNS-over-QUIC (RFC 9250): one bidirectional stream per
// query, 2-byte length framing, message id fixed to 0 on the wire.
type quicUpstream struct {
	rttTracker
	opts UpstreamOptions
	boot *bootstrapper
	tls  *upstreamFactoryConfig

	mu   sync.Mutex
	conn quic.Connection
}

func newQUICUpstream(opts UpstreamOptions, cfg *upstreamFactoryConfig) (*quicUpstream, error) {
	addr, err := hostPort(opts.Address, "853")
	if err != nil {
		return nil, err
	}
	ipv6 := cfg != nil && cfg.ipv6Available
	return &quicUpstream{
		opts: opts,
		boot: newBootstrapper(addr, opts.Bootstrap, ipv6),
		tls:  cfg,
	}, nil
}

func (u *quicUpstream) dial(ctx context.Context) (quic.Connection, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil && u.conn.Context().Err() == nil {
		return u.conn, nil
	}
	addr, err := u.boot.resolve(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, makeTLSConfig(serverNameOf(u.opts.Address), u.tls, "doq"), nil)
	if err != nil {
		return nil, err
	}
	u.conn = conn
	return conn, nil
}

func (u *quicUpstream) Exchange(req *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(context.Background(), u.opts.Timeout)
	defer cancel()

	conn, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		// the connection may have gone stale; one fresh dial
		u.mu.Lock()
		u.conn = nil
		u.mu.Unlock()
		if conn, err = u.dial(ctx); err != nil {
			return nil, err
		}
		if stream, err = conn.OpenStreamSync(ctx); err != nil {
			return nil, err
		}
	}

	id := req.Id
	reqCopy := req.Copy()
	reqCopy.Id = 0
	packed, err := reqCopy.Pack()
	if err != nil {
		return nil, err
	}

	framed := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(framed, uint16(len(packed)))
	copy(framed[2:], packed)
	if _, err := stream.Write(framed); err != nil {
		return nil, err
	}
	// half-close: we are done writing
	if err := stream.Close(); err != nil {
		return nil, err
	}

	var length [2]byte
	if _, err := io.ReadFull(stream, length[:]); err != nil {
		return nil, fmt.Errorf("reading DoQ response length from %s: %w", u.opts.Address, err)
	}
	buf := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(stream, buf); err != nil {
		return nil, fmt.Errorf("reading DoQ response from %s: %w", u.opts.Address, err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(buf); err != nil {
		return nil, err
	}
	resp.Id = id
	return resp, nil
}

func (u *quicUpstream) Address() string          { return u.opts.Address }
func (u *quicUpstream) Options() UpstreamOptions { return u.opts }

func (u *quicUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		err := u.conn.CloseWithError(0, "")
		u.conn = nil
		return err
	}
	return nil
}
