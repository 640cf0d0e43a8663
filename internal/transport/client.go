package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"land-election/internal/election"
)

const (
	// DefaultRPCTimeout bounds a single RPC attempt. Broadcast time should be an order of magnitude below the
	// election timeout (150-300ms); round trips inside a cluster are well under 15ms.
	DefaultRPCTimeout = 50 * time.Millisecond

	// MaxRequestVoteRetries bounds the attempts of one RequestVote. A candidacy that still fails is replaced by a new
	// one at a higher term, so retrying longer than the election timeout buys nothing.
	MaxRequestVoteRetries = 3

	// RetryBackoffBase is the base duration of the linear backoff between retries.
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff caps the backoff between retries.
	MaxRetryBackoff = 100 * time.Millisecond
)

// Options tunes a Transport. The zero value is usable.
type Options struct {
	// RPCTimeout bounds each attempt. Defaults to DefaultRPCTimeout.
	RPCTimeout time.Duration
	Logger     election.Logger
	// DialOptions are appended to the defaults (insecure credentials, the land resolver).
	DialOptions []grpc.DialOption
}

// Transport is the gRPC client side of the election service. It implements election.Transport.
type Transport struct {
	// The grpc.ClientConn of every peer, keyed by election.ServerID. sync.Map is optimized for the read-mostly access
	// pattern of the pool.
	clientsConnPool *sync.Map
	book            *addressBook

	rpcTimeout  time.Duration
	logger      election.Logger
	dialOptions []grpc.DialOption
}

// NewTransport dials every peer except self. A peer that cannot be dialed is reported in the returned error but does
// not prevent connections to the others.
func NewTransport(self election.ServerID, peers []election.PeerInfo, opts Options) (*Transport, error) {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	if opts.Logger == nil {
		opts.Logger = election.NewStdLogger()
	}

	t := &Transport{
		clientsConnPool: &sync.Map{},
		book:            newAddressBook(),
		rpcTimeout:      opts.RPCTimeout,
		logger:          opts.Logger,
	}
	t.dialOptions = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(peerResolverBuilder{book: t.book}),
	}, opts.DialOptions...)

	var err error
	for _, peer := range peers {
		if peer.ID == self {
			continue
		}
		err = multierr.Append(err, t.AddPeer(peer.ID, peer.Address))
	}
	return t, err
}

// getClientConn retrieves the grpc.ClientConn of peerID from the connection pool.
func (t *Transport) getClientConn(peerID election.ServerID) (*grpc.ClientConn, error) {
	clientConn, ok := t.clientsConnPool.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("gRPC client connection not found for server %v", peerID)
	}
	conn, ok := clientConn.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid clientConn type for server %v: %T", peerID, clientConn)
	}
	return conn, nil
}

// RequestVote asks peerID for its vote, retrying failed attempts with a linear backoff until MaxRequestVoteRetries
// attempts were made or ctx is done.
func (t *Transport) RequestVote(ctx context.Context, peerID election.ServerID, req *election.VoteRequest) (*election.VoteResponse, error) {
	conn, err := t.getClientConn(peerID)
	if err != nil {
		return nil, fmt.Errorf("peer %s not found: %w", peerID, err)
	}
	client := newElectionClient(conn)

	var lastErr error
	for attempt := 0; attempt < MaxRequestVoteRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
		resp, err := client.RequestVote(rpcCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == MaxRequestVoteRetries-1 {
			break
		}
		if err := sleepCtx(ctx, backoff(attempt)); err != nil {
			return nil, fmt.Errorf("RequestVote to %s cancelled: %w", peerID, err)
		}
	}

	t.logger.Debugf("[TRANSPORT] RequestVote %s -> %s for term %d failed after %d attempts: %v",
		req.ServerID, peerID, req.Term, MaxRequestVoteRetries, lastErr)
	return nil, fmt.Errorf("RequestVote to %s failed after %d attempts: %w", peerID, MaxRequestVoteRetries, lastErr)
}

// SendHeartbeat delivers one heartbeat. It is not retried: the next leader tick sends a fresh one.
func (t *Transport) SendHeartbeat(ctx context.Context, peerID election.ServerID, req *election.HeartbeatRequest) (*election.HeartbeatResponse, error) {
	conn, err := t.getClientConn(peerID)
	if err != nil {
		return nil, fmt.Errorf("peer %s not found: %w", peerID, err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()
	resp, err := newElectionClient(conn).LeaderHeartbeat(rpcCtx, req)
	if err != nil {
		return nil, fmt.Errorf("LeaderHeartbeat to %s: %w", peerID, err)
	}
	return resp, nil
}

// AddPeer opens a connection to a peer. Adding a known peer only updates its address.
func (t *Transport) AddPeer(peerID election.ServerID, peerAddr election.ServerAddress) error {
	t.book.set(peerID, peerAddr)
	if _, err := t.getClientConn(peerID); err == nil {
		return nil
	}

	conn, err := grpc.NewClient(peerTarget(peerID), t.dialOptions...)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC connection to peer %s: %w", peerID, err)
	}
	if _, loaded := t.clientsConnPool.LoadOrStore(peerID, conn); loaded {
		// A concurrent AddPeer won.
		return conn.Close()
	}
	t.logger.Debugf("[TRANSPORT] added gRPC connection for peer %s at %s", peerID, peerAddr)
	return nil
}

// CloseAllClients closes every connection in the pool.
func (t *Transport) CloseAllClients() error {
	var err error
	t.clientsConnPool.Range(func(key, value any) bool {
		t.clientsConnPool.Delete(key)
		if conn, ok := value.(*grpc.ClientConn); ok {
			err = multierr.Append(err, conn.Close())
		}
		return true
	})
	t.logger.Infof("[TRANSPORT] all gRPC client connections closed")
	return err
}

// backoff is RetryBackoffBase*(attempt+1), capped at MaxRetryBackoff.
func backoff(attempt int) time.Duration {
	d := RetryBackoffBase * time.Duration(attempt+1)
	if d > MaxRetryBackoff {
		d = MaxRetryBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
