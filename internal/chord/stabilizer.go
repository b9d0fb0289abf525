package chord

import (
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// stabilizer is a separate actor that periodically sends Stabilize to its
// ring node. It is linked to the ring endpoint and stops when that exits.
type stabilizer struct {
	ep    *endpoint.Endpoint
	ring  endpoint.ID
	delay time.Duration
	clock clockwork.Clock
}

func startStabilizer(host *endpoint.Node, ring endpoint.ID, delay time.Duration, clock clockwork.Clock) (*stabilizer, error) {
	ep, err := host.AddEndpoint("stabilizer")
	if err != nil {
		return nil, err
	}
	if err := ep.Link(ring); err != nil {
		ep.Close()
		return nil, err
	}
	s := &stabilizer{ep: ep, ring: ring, delay: delay, clock: clock}
	go s.run()
	return s, nil
}

// nextDelay is uniform in [delay/2, 3*delay/2).
func (s *stabilizer) nextDelay() time.Duration {
	return s.delay/2 + rand.N(s.delay)
}

func (s *stabilizer) run() {
	defer s.ep.Close()
	for {
		timer := s.clock.NewTimer(s.nextDelay())
		select {
		case <-timer.Chan():
			if err := s.ep.Send(s.ring, protocol.TagStabilize, protocol.Stabilize{}); err != nil {
				return
			}
		case msg, ok := <-s.ep.Inbox():
			timer.Stop()
			if !ok || msg.Tag == endpoint.TagKill || msg.Tag == endpoint.TagEndpointExit {
				return
			}
		}
	}
}
