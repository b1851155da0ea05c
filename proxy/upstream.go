package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Upstream is one resolver the proxy can exchange queries with. All
// implementations are safe for concurrent use; a single Exchange call is
// synchronous.
type Upstream interface {
	// Exchange sends req and returns the resolver's answer.
	Exchange(req *dns.Msg) (*dns.Msg, error)
	// Address is the configured address, scheme included.
	Address() string
	// Options returns the options the upstream was created from.
	Options() UpstreamOptions
	// RTT is the smoothed round-trip time of past exchanges.
	RTT() time.Duration
	// AdjustRTT folds one more sample into the moving average.
	AdjustRTT(elapsed time.Duration)
	// Close releases transport state. The upstream is unusable afterwards.
	Close() error
}

// rttTracker is the moving-average RTT every transport embeds. Each sample
// halves the weight of history, which is enough to keep the dispatcher's
// ordering responsive without chasing jitter.
type rttTracker struct {
	mu  sync.Mutex
	rtt time.Duration
}

func (t *rttTracker) RTT() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rtt
}

func (t *rttTracker) AdjustRTT(elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtt = (t.rtt + elapsed) / 2
}

// upstreamFactoryConfig carries what every transport needs besides its own
// options.
type upstreamFactoryConfig struct {
	ipv6Available bool
	// verify, when non-nil, replaces standard TLS chain verification.
	verify func(CertificateVerificationInfo) error
}

// newUpstream builds an upstream from its options. Supported schemes:
// "udp://" (or none), "tcp://", "tls://", "https://", "quic://".
func newUpstream(opts UpstreamOptions, cfg *upstreamFactoryConfig) (Upstream, error) {
	if opts.Timeout == 0 {
		opts.Timeout = defaultUpstreamTimeout
	}
	address := opts.Address
	scheme := "udp"
	if idx := strings.Index(address, "://"); idx >= 0 {
		scheme = address[:idx]
	}

	switch scheme {
	case "udp":
		return newPlainUpstream(opts, "udp")
	case "tcp":
		return newPlainUpstream(opts, "tcp")
	case "tls":
		return newTLSUpstream(opts, cfg)
	case "https":
		return newHTTPSUpstream(opts, cfg)
	case "quic":
		return newQUICUpstream(opts, cfg)
	default:
		return nil, fmt.Errorf("unsupported upstream scheme %q in %q", scheme, opts.Address)
	}
}

// hostPort strips the scheme and defaults the port.
func hostPort(address, defaultPort string) (string, error) {
	if idx := strings.Index(address, "://"); idx >= 0 {
		address = address[idx+3:]
	}
	if idx := strings.IndexByte(address, '/'); idx >= 0 {
		address = address[:idx]
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(strings.Trim(address, "[]"), defaultPort)
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", fmt.Errorf("invalid upstream address %q: %w", address, err)
	}
	return address, nil
}

// bootstrapper resolves an upstream's hostname through the configured
// bootstrap servers, once, and pins the result. IP-literal upstreams resolve
// to themselves.
type bootstrapper struct {
	address    string // host:port, host possibly a name
	servers    []string
	preferIPv6 bool

	mu       sync.Mutex
	resolved string
}

func newBootstrapper(address string, servers []string, preferIPv6 bool) *bootstrapper {
	return &bootstrapper{address: address, servers: servers, preferIPv6: preferIPv6}
}

func (b *bootstrapper) resolve(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolved != "" {
		return b.resolved, nil
	}

	host, port, err := net.SplitHostPort(b.address)
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); ip != nil {
		b.resolved = b.address
		return b.resolved, nil
	}

	resolver := net.DefaultResolver
	if len(b.servers) > 0 {
		server := b.servers[0]
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		dialer := &net.Dialer{}
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, server)
			},
		}
	}
	ips, err := resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return "", fmt.Errorf("bootstrapping %q: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("bootstrapping %q: no addresses", host)
	}

	picked := ips[0]
	for _, ip := range ips {
		isV4 := ip.To4() != nil
		if b.preferIPv6 != isV4 {
			picked = ip
			break
		}
	}
	b.resolved = net.JoinHostPort(picked.String(), port)
	return b.resolved, nil
}

// makeTLSConfig wires the application certificate-verification callback, when
// present, into a tls.Config the way the TLS-speaking transports share it.
func makeTLSConfig(serverName string, cfg *upstreamFactoryConfig, nextProtos ...string) *tls.Config {
	tlsConfig := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		NextProtos: nextProtos,
	}
	if cfg == nil || cfg.verify == nil {
		return tlsConfig
	}
	verify := cfg.verify
	tlsConfig.InsecureSkipVerify = true
	tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("server %q presented no certificates", serverName)
		}
		return verify(CertificateVerificationInfo{
			Certificate: rawCerts[0],
			Chain:       rawCerts[1:],
		})
	}
	return tlsConfig
}

// serverNameOf extracts the hostname for SNI.
func serverNameOf(address string) string {
	if u, err := url.Parse(address); err == nil && u.Host != "" {
		return u.Hostname()
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
