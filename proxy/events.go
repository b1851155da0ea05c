package proxy

import (
	"strings"
	"time"

	"github.com/miekg/dns"

	"dnsveil/filter"
)

// ProcessedEvent is the per-request telemetry record handed to
// Events.OnRequestProcessed after every handled message.
type ProcessedEvent struct {
	// Domain is the queried name, with the trailing root dot.
	Domain string
	// Type is the question type as text ("A", "AAAA", ...). Empty when the
	// request did not parse.
	Type string
	// Status is the response rcode as text. Empty when no response was built.
	Status string
	// Answer lists the answer RRs, one "TYPE, rdata" line per record.
	Answer string
	// OriginalAnswer is the pre-rewrite answer when post-filtering replaced
	// the upstream's response.
	OriginalAnswer string
	// RawResponse is the serialized response as sent to the client.
	RawResponse []byte

	// StartTime is the request arrival, in milliseconds since the epoch.
	StartTime int64
	// Elapsed is the total handling time in milliseconds.
	Elapsed int64

	// UpstreamID identifies the upstream that served the query, if any.
	UpstreamID *int

	// Rules are the texts of all applied rules, deduplicated. Each filter
	// stage's new rules keep their own order and go in front of those of the
	// earlier stages. FilterListIDs are the matching list ids, index-aligned.
	Rules         []string
	FilterListIDs []int
	// Whitelist reports that the decisive rule was an exception.
	Whitelist bool

	CacheHit      bool
	BytesSent     int
	BytesReceived int

	// Error is the reason no upstream answer could be obtained, if so.
	Error string
}

// CertificateVerificationInfo is what an encrypted upstream presents during
// the TLS handshake.
type CertificateVerificationInfo struct {
	// Certificate is the leaf, DER-encoded.
	Certificate []byte
	// Chain is the rest of the presented chain, DER-encoded.
	Chain [][]byte
}

// Events carries the optional application callbacks. Both callbacks may be
// invoked from arbitrary goroutines.
type Events struct {
	// OnRequestProcessed fires after every handled message.
	OnRequestProcessed func(ProcessedEvent)
	// OnCertificateVerification, when set, replaces the default TLS
	// verification of encrypted upstreams. Returning a non-nil error fails
	// the handshake.
	OnCertificateVerification func(CertificateVerificationInfo) error
}

// rrListToString renders RRs as "TYPE, rdata" lines, e.g.
//
//	A, 1.2.3.4
//	CNAME, tracker.example.
func rrListToString(rrs []dns.RR) string {
	var b strings.Builder
	for _, rr := range rrs {
		// presentation format is "name\tttl\tclass\ttype\trdata..."
		parts := strings.Split(rr.String(), "\t")
		if len(parts) < 4 {
			continue
		}
		b.WriteString(parts[3])
		b.WriteByte(',')
		for _, rdf := range parts[4:] {
			b.WriteByte(' ')
			b.WriteString(rdf)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// appendEventRules merges a filter stage's effective rules into the event,
// keeping texts unique. The stage's new rules are prepended in their own
// order, so they end up in front of the rules of earlier stages. The
// whitelist flag always follows the latest stage's decisive rule.
func appendEventRules(event *ProcessedEvent, effective []filter.Rule) {
	if len(effective) == 0 {
		return
	}
	for i := len(effective) - 1; i >= 0; i-- {
		rule := effective[i]
		duplicate := false
		for _, text := range event.Rules {
			if text == rule.Text {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		event.Rules = append([]string{rule.Text}, event.Rules...)
		event.FilterListIDs = append([]int{rule.FilterID}, event.FilterListIDs...)
	}
	event.Whitelist = effective[0].Exception
}

func (p *Proxy) finalizeEvent(event *ProcessedEvent, req, resp, origResp *dns.Msg, upstreamID *int, errStr string) {
	if req != nil && len(req.Question) > 0 {
		event.Type = dns.TypeToString[req.Question[0].Qtype]
	} else {
		event.Type = ""
	}
	if resp != nil {
		event.Status = dns.RcodeToString[resp.Rcode]
		event.Answer = rrListToString(resp.Answer)
	} else {
		event.Status = ""
		event.Answer = ""
	}
	if origResp != nil {
		event.OriginalAnswer = rrListToString(origResp.Answer)
	}
	event.UpstreamID = upstreamID
	event.Error = errStr
	event.Elapsed = time.Now().UnixMilli() - event.StartTime
	if p.events.OnRequestProcessed != nil {
		p.events.OnRequestProcessed(*event)
	}
}
