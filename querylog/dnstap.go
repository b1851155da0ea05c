// Package querylog exports processed-request events as dnstap frames, the
// format every downstream DNS analytics collector already ingests.
package querylog

import (
	"time"

	dnstap "github.com/dnstap/golang-dnstap"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"dnsveil/proxy"
)

var log = logrus.WithField("module", "querylog")

// DnstapSink writes one CLIENT_RESPONSE dnstap frame per processed request
// to a frame-stream file. Wire it up as the proxy's OnRequestProcessed
// callback.
type DnstapSink struct {
	output *dnstap.FrameStreamOutput
}

// NewDnstapSink opens (or creates) the frame-stream file at path and starts
// the output loop.
func NewDnstapSink(path string) (*DnstapSink, error) {
	output, err := dnstap.NewFrameStreamOutputFromFilename(path)
	if err != nil {
		return nil, err
	}
	go output.RunOutputLoop()
	return &DnstapSink{output: output}, nil
}

// OnRequestProcessed converts the event into a dnstap frame. Events without a
// serialized response (unparseable requests) are skipped.
func (s *DnstapSink) OnRequestProcessed(event proxy.ProcessedEvent) {
	if len(event.RawResponse) == 0 {
		return
	}
	responseTime := time.UnixMilli(event.StartTime + event.Elapsed)
	message := &dnstap.Message{
		Type:             dnstap.Message_CLIENT_RESPONSE.Enum(),
		SocketFamily:     dnstap.SocketFamily_INET.Enum(),
		SocketProtocol:   dnstap.SocketProtocol_UDP.Enum(),
		ResponseTimeSec:  proto.Uint64(uint64(responseTime.Unix())),
		ResponseTimeNsec: proto.Uint32(uint32(responseTime.Nanosecond())),
		ResponseMessage:  event.RawResponse,
	}
	frame := &dnstap.Dnstap{
		Type:    dnstap.Dnstap_MESSAGE.Enum(),
		Message: message,
	}
	buf, err := proto.Marshal(frame)
	if err != nil {
		log.Errorf("failed to marshal dnstap frame: %v", err)
		return
	}
	s.output.GetOutputChannel() <- buf
}

// Close drains and closes the underlying frame-stream writer.
func (s *DnstapSink) Close() {
	s.output.Close()
}
