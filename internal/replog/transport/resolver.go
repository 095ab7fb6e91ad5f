package transport

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"

	"replicated-log/internal/replog"
)

// Scheme is the gRPC target scheme resolving participant ids to addresses: "replog:///<participant>".
const Scheme = "replog"

// addressBook maps participant ids to network addresses and notifies the resolvers watching an id when its address
// changes.
type addressBook struct {
	mu       sync.RWMutex
	records  map[replog.ParticipantID]string
	watchers map[replog.ParticipantID]map[*participantResolver]struct{}
}

func newAddressBook() *addressBook {
	return &addressBook{
		records:  make(map[replog.ParticipantID]string),
		watchers: make(map[replog.ParticipantID]map[*participantResolver]struct{}),
	}
}

var peers = newAddressBook()

// RegisterPeer sets or updates the address of a participant. Connections already targeting the participant switch
// to the new address.
func RegisterPeer(id replog.ParticipantID, addr string) {
	peers.mu.Lock()
	peers.records[id] = addr
	watchers := make([]*participantResolver, 0, len(peers.watchers[id]))
	for w := range peers.watchers[id] {
		watchers = append(watchers, w)
	}
	peers.mu.Unlock()

	for _, w := range watchers {
		w.pushCurrent()
	}
}

// PeerAddress returns the address registered for id.
func PeerAddress(id replog.ParticipantID) (string, bool) {
	peers.mu.RLock()
	defer peers.mu.RUnlock()
	addr, ok := peers.records[id]
	return addr, ok
}

func target(id replog.ParticipantID) string {
	return fmt.Sprintf("%s:///%s", Scheme, id)
}

type resolverBuilder struct{}

func (resolverBuilder) Scheme() string { return Scheme }

func (resolverBuilder) Build(t resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := replog.ParticipantID(strings.TrimPrefix(t.Endpoint(), "/"))
	if id == "" {
		return nil, fmt.Errorf("%s resolver: empty target endpoint: %s", Scheme, t.URL.String())
	}

	r := &participantResolver{id: id, cc: cc}
	peers.watch(r)
	r.pushCurrent()
	return r, nil
}

type participantResolver struct {
	id replog.ParticipantID
	cc resolver.ClientConn
}

func (r *participantResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *participantResolver) Close() {
	peers.unwatch(r)
}

func (r *participantResolver) pushCurrent() {
	addr, ok := PeerAddress(r.id)
	if !ok || addr == "" {
		// Unknown yet, gRPC keeps the channel in TRANSIENT_FAILURE until an address is registered
		_ = r.cc.UpdateState(resolver.State{})
		return
	}
	_ = r.cc.UpdateState(resolver.State{Addresses: []resolver.Address{{Addr: addr}}})
}

func (b *addressBook) watch(r *participantResolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.watchers[r.id]
	if set == nil {
		set = make(map[*participantResolver]struct{})
		b.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (b *addressBook) unwatch(r *participantResolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(b.watchers, r.id)
		}
	}
}

func init() {
	resolver.Register(resolverBuilder{})
}
