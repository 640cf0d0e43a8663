package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"land-election/internal/config"
	"land-election/internal/election"
	"land-election/internal/metrics"
	"land-election/internal/pubsub"
	"land-election/internal/storage"
	"land-election/internal/transport"
)

// landServer is one running election node with everything it owns.
type landServer struct {
	node      *election.Node
	transport *transport.Transport
	server    *transport.Server
	lis       net.Listener
	pubSub    *pubsub.PubSubClient
	metrics   *metrics.Metrics

	// serveErr receives the error of the gRPC server once it stops serving.
	serveErr chan error
}

// newLandServer opens the store, dials the peers, starts serving gRPC and starts the node. On failure every resource
// opened so far is released.
func newLandServer(cfg *config.File, verbose bool) (*landServer, error) {
	membership, err := cfg.Membership()
	if err != nil {
		return nil, err
	}

	electionCfg := cfg.ElectionConfig()
	if verbose {
		electionCfg.Logger = election.NewVerboseLogger()
	}
	s := &landServer{metrics: metrics.NewMetrics(), serveErr: make(chan error, 1)}
	electionCfg.Metrics = s.metrics

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.NewBboltStorage(filepath.Join(cfg.DataDir, cfg.ID+".db"))
		if err != nil {
			return nil, err
		}
		electionCfg.Store = store
	}

	s.transport, err = transport.NewTransport(membership.Self(), membership.Peers(), transport.Options{
		RPCTimeout: electionCfg.RPCTimeout,
		Logger:     electionCfg.Logger,
	})
	if err != nil {
		// Unreachable peers are retried by gRPC; only log them.
		log.Printf("Some peers could not be dialed: %v", err)
	}

	s.pubSub = pubsub.NewPubSub()
	s.node, err = election.NewNode(electionCfg, membership, s.transport, s.pubSub)
	if err != nil {
		s.pubSub.ForceShutdown()
		err = multierr.Combine(err, s.transport.CloseAllClients())
		if electionCfg.Store != nil {
			err = multierr.Append(err, electionCfg.Store.Close())
		}
		return nil, err
	}
	roleChanges := make(chan *pubsub.Event[election.RoleChange], 16)
	pubsub.Subscribe(s.pubSub, election.RoleChanged, roleChanges, pubsub.SubscriptionOptions{})
	go logRoleChanges(roleChanges)

	s.lis, err = net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		err = fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress(), err)
		return nil, multierr.Append(err, s.release())
	}
	s.server = transport.NewServer(s.node, electionCfg.Logger)
	go func() { s.serveErr <- s.server.Serve(s.lis) }()

	if err := s.node.Start(); err != nil {
		s.server.Stop()
		return nil, multierr.Append(err, s.release())
	}
	return s, nil
}

// shutdown stops serving, waiting for in-flight RPCs, then releases the node and its connections.
func (s *landServer) shutdown() error {
	s.server.GracefulStop()
	return s.release()
}

// release shuts the node down, which closes its store, and closes the peer connections and the event bus.
func (s *landServer) release() error {
	err := multierr.Combine(s.node.Shutdown(), s.transport.CloseAllClients())
	s.pubSub.GracefulShutdown()
	return err
}

func logRoleChanges(ch <-chan *pubsub.Event[election.RoleChange]) {
	for ev := range ch {
		change := ev.Payload
		log.Printf("Role changed %s -> %s in term %d", change.From, change.To, change.Term)
	}
}
