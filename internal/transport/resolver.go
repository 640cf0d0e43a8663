package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"land-election/internal/election"
)

// ---- id -> address book, one per Transport ----

type addressBook struct {
	mu       sync.RWMutex
	records  map[election.ServerID]election.ServerAddress
	watchers map[election.ServerID]map[*peerResolver]struct{}
}

func newAddressBook() *addressBook {
	return &addressBook{
		records:  make(map[election.ServerID]election.ServerAddress),
		watchers: make(map[election.ServerID]map[*peerResolver]struct{}),
	}
}

// set records the address of id and pushes it to every resolver watching id.
func (b *addressBook) set(id election.ServerID, addr election.ServerAddress) {
	b.mu.Lock()
	b.records[id] = addr
	watchers := make([]*peerResolver, 0, len(b.watchers[id]))
	for w := range b.watchers[id] {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	// Notify after unlocking; UpdateState may call back into ResolveNow.
	for _, w := range watchers {
		w.pushCurrent()
	}
}

func (b *addressBook) lookup(id election.ServerID) (election.ServerAddress, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.records[id]
	return addr, ok
}

// ---- gRPC name resolver ("land" scheme) ----

const landScheme = "land"

// peerTarget is the dial target of a peer: "land:///<id>".
func peerTarget(id election.ServerID) string {
	return fmt.Sprintf("%s:///%s", landScheme, id)
}

type peerResolverBuilder struct {
	book *addressBook
}

func (peerResolverBuilder) Scheme() string { return landScheme }

func (b peerResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := election.ServerID(target.Endpoint())
	if id == "" {
		return nil, fmt.Errorf("land resolver: empty target endpoint: %+v", target)
	}

	r := &peerResolver{id: id, cc: cc, book: b.book}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type peerResolver struct {
	id   election.ServerID
	cc   resolver.ClientConn
	book *addressBook
}

func (r *peerResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *peerResolver) Close() {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	if set, ok := r.book.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(r.book.watchers, r.id)
		}
	}
}

func (r *peerResolver) subscribe() {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	set := r.book.watchers[r.id]
	if set == nil {
		set = make(map[*peerResolver]struct{})
		r.book.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *peerResolver) pushCurrent() {
	addr, ok := r.book.lookup(r.id)
	if !ok || addr == "" {
		// No address yet; gRPC retries the resolution.
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: string(addr)}},
	})
}
