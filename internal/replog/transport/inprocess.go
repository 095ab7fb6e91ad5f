package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/replication"
)

var (
	// ErrUnknownParticipant is returned for a participant that is not registered with the network
	ErrUnknownParticipant = errors.New("participant not registered")
	// ErrPartitioned is returned when either side of a call is isolated
	ErrPartitioned = errors.New("network partition")
)

// Network connects participants living in the same process. Requests and results are passed through the wire
// encoding, so participants never share memory.
type Network struct {
	mu       sync.RWMutex
	handlers map[replog.ParticipantID]Handler
	isolated map[replog.ParticipantID]bool
	delay    time.Duration
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[replog.ParticipantID]Handler),
		isolated: make(map[replog.ParticipantID]bool),
	}
}

// Register makes h reachable as participant id.
func (n *Network) Register(id replog.ParticipantID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Partition isolates a participant from every other one, or heals it.
func (n *Network) Partition(id replog.ParticipantID, isolated bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = isolated
}

// SetDelay delays the delivery of every request.
func (n *Network) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

// Endpoint returns the transport participant from sends with.
func (n *Network) Endpoint(from replog.ParticipantID) replication.Transport {
	return &endpoint{network: n, from: from}
}

type endpoint struct {
	network *Network
	from    replog.ParticipantID
}

func (e *endpoint) AppendEntries(ctx context.Context, to replog.ParticipantID, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	n := e.network
	n.mu.RLock()
	h, ok := n.handlers[to]
	cut := n.isolated[e.from] || n.isolated[to]
	delay := n.delay
	n.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, to)
	}
	if cut {
		return nil, fmt.Errorf("%w between %s and %s", ErrPartitioned, e.from, to)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	delivered := new(replog.AppendEntriesRequest)
	if err := copyWire(req, delivered); err != nil {
		return nil, err
	}
	res, err := h.AppendEntries(replication.SetRequestSender(ctx, e.from), delivered)
	if err != nil {
		return nil, err
	}
	out := new(replog.AppendEntriesResult)
	if err := copyWire(res, out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyWire(from, to wireMessage) error {
	b, err := from.MarshalWire()
	if err != nil {
		return err
	}
	return to.UnmarshalWire(b)
}
