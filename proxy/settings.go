package proxy

import (
	"time"

	"dnsveil/filter"
)

// BlockingMode selects what a blocked query is answered with.
type BlockingMode int

const (
	// BlockingModeDefault: REFUSED for adblock-style rules, the rule address
	// (or the unspecified address) for hosts-style rules.
	BlockingModeDefault BlockingMode = iota
	// BlockingModeRefused answers REFUSED; hosts-style rules with real
	// addresses still rewrite A/AAAA queries with those addresses.
	BlockingModeRefused
	// BlockingModeNXDOMAIN answers NXDOMAIN with a negative-caching SOA;
	// hosts-style rules with real addresses still rewrite A/AAAA queries.
	BlockingModeNXDOMAIN
	// BlockingModeUnspecifiedAddress answers A/AAAA with 0.0.0.0 / ::.
	BlockingModeUnspecifiedAddress
	// BlockingModeCustomAddress answers A/AAAA with the configured addresses.
	BlockingModeCustomAddress
)

// UpstreamOptions describes a single upstream server.
//
// Address accepts the usual URL-ish schemes: a bare "ip:port" or "udp://" for
// plain DNS, "tcp://" for DNS-over-TCP, "tls://" for DNS-over-TLS, "https://"
// for DNS-over-HTTPS and "quic://" for DNS-over-QUIC.
type UpstreamOptions struct {
	Address string
	// Bootstrap servers ("ip:port") resolve the upstream's own hostname for
	// the encrypted transports. Ignored when Address carries an IP literal.
	Bootstrap []string
	Timeout   time.Duration
	// ID is reported back in processed events. Optional.
	ID *int
}

// DNS64Settings enables DNS64 prefix discovery and AAAA synthesis.
type DNS64Settings struct {
	// Upstreams queried for the ipv4only.arpa. well-known name during
	// discovery.
	Upstreams []UpstreamOptions
	// MaxTries bounds the discovery attempts.
	MaxTries int
	// WaitTime is slept before each attempt.
	WaitTime time.Duration
}

// Settings configures a Proxy. The zero value is not usable; start from
// DefaultSettings.
type Settings struct {
	// Upstreams are tried first, in ascending order of their measured RTT.
	Upstreams []UpstreamOptions
	// Fallbacks are consulted only after every upstream failed.
	Fallbacks []UpstreamOptions

	// FilterParams is handed verbatim to the filtering engine.
	FilterParams filter.Params

	BlockingMode BlockingMode
	// BlockedResponseTTL is the TTL (seconds) of synthesized blocking
	// answers and their SOAs.
	BlockedResponseTTL uint32
	// CustomBlockingIPv4/6 answer blocked A/AAAA queries when BlockingMode
	// is BlockingModeCustomAddress. An empty address of the needed family
	// downgrades the answer to a bare SOA.
	CustomBlockingIPv4 string
	CustomBlockingIPv6 string

	// CacheSize bounds the response cache; 0 disables caching.
	CacheSize int
	// OptimisticCache serves expired entries immediately and refreshes them
	// in the background.
	OptimisticCache bool

	// BlockIPv6 answers AAAA queries with a no-data SOA response, unless a
	// filter rule blocks the name with a non-NOERROR answer, which is sent
	// instead.
	BlockIPv6 bool
	// IPv6Available steers bootstrap address-family preference.
	IPv6Available bool

	// DNS64 enables AAAA synthesis for IPv6-only networks.
	DNS64 *DNS64Settings

	// UDPRecvBufSize is patched into the EDNS UDP size of cached responses.
	UDPRecvBufSize uint16
}

// DefaultSettings returns the settings every real deployment starts from.
func DefaultSettings() Settings {
	return Settings{
		BlockingMode:       BlockingModeDefault,
		BlockedResponseTTL: 3600,
		UDPRecvBufSize:     4096,
	}
}

const defaultUpstreamTimeout = 10 * time.Second
