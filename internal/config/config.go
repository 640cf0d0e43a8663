package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"land-election/internal/election"
)

// Peer is one cluster member as written in the config file.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// File is the on-disk cluster configuration. Durations are in milliseconds.
type File struct {
	// ID of the local node. Set by the -id flag when the file is shared by the whole cluster.
	ID string `yaml:"id,omitempty"`
	// Listen overrides the local node's address from Peers as the gRPC listen address.
	Listen string `yaml:"listen,omitempty"`
	// DataDir holds the stable store. Empty keeps term and vote in memory only.
	DataDir string `yaml:"dataDir,omitempty"`

	ElectionTimeoutMinMs int `yaml:"electionTimeoutMinMs"`
	ElectionTimeoutMaxMs int `yaml:"electionTimeoutMaxMs"`
	CandidateIntervalMs  int `yaml:"candidateIntervalMs"`
	HeartbeatIntervalMs  int `yaml:"heartbeatIntervalMs"`
	RPCTimeoutMs         int `yaml:"rpcTimeoutMs"`

	Peers []Peer `yaml:"peers"`
}

var (
	ErrNoPeers       = errors.New("no peers configured")
	ErrDuplicatePeer = errors.New("duplicate peer id")
	ErrSelfMissing   = errors.New("local id is not among the peers")
	ErrTimeouts      = errors.New("invalid timeouts")
)

// Default returns a File with the default timings and no peers.
func Default() *File {
	d := election.DefaultConfig()
	return &File{
		ElectionTimeoutMinMs: int(d.ElectionTimeoutMin / time.Millisecond),
		ElectionTimeoutMaxMs: int(d.ElectionTimeoutMax / time.Millisecond),
		CandidateIntervalMs:  int(d.CandidateInterval / time.Millisecond),
		HeartbeatIntervalMs:  int(d.HeartbeatInterval / time.Millisecond),
		RPCTimeoutMs:         int(d.RPCTimeout / time.Millisecond),
	}
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, so omitted timings keep their defaults. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return f, nil
}

// Validate reports every problem of the file at once.
func (f *File) Validate() error {
	var err error
	if len(f.Peers) == 0 {
		err = multierr.Append(err, ErrNoPeers)
	}

	seen := make(map[string]bool, len(f.Peers))
	for i, p := range f.Peers {
		switch {
		case p.ID == "":
			err = multierr.Append(err, fmt.Errorf("peer %d has an empty id", i))
		case seen[p.ID]:
			err = multierr.Append(err, fmt.Errorf("%w: %s", ErrDuplicatePeer, p.ID))
		}
		seen[p.ID] = true
		if p.Address == "" {
			err = multierr.Append(err, fmt.Errorf("peer %q has an empty address", p.ID))
		}
	}
	if f.ID != "" && len(f.Peers) > 0 && !seen[f.ID] {
		err = multierr.Append(err, fmt.Errorf("%w: %s", ErrSelfMissing, f.ID))
	}

	if f.ElectionTimeoutMinMs <= 0 || f.ElectionTimeoutMinMs >= f.ElectionTimeoutMaxMs {
		err = multierr.Append(err, fmt.Errorf("%w: electionTimeoutMinMs (%d) must be positive and below electionTimeoutMaxMs (%d)",
			ErrTimeouts, f.ElectionTimeoutMinMs, f.ElectionTimeoutMaxMs))
	}
	if f.HeartbeatIntervalMs <= 0 || f.HeartbeatIntervalMs >= f.ElectionTimeoutMinMs {
		err = multierr.Append(err, fmt.Errorf("%w: heartbeatIntervalMs (%d) must be positive and below electionTimeoutMinMs (%d)",
			ErrTimeouts, f.HeartbeatIntervalMs, f.ElectionTimeoutMinMs))
	}
	if f.CandidateIntervalMs <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: candidateIntervalMs must be positive", ErrTimeouts))
	}
	if f.RPCTimeoutMs <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: rpcTimeoutMs must be positive", ErrTimeouts))
	}
	return err
}

// ElectionConfig converts the timings into an election.Config built on election.DefaultConfig.
func (f *File) ElectionConfig() *election.Config {
	cfg := election.DefaultConfig()
	cfg.ElectionTimeoutMin = ms(f.ElectionTimeoutMinMs)
	cfg.ElectionTimeoutMax = ms(f.ElectionTimeoutMaxMs)
	cfg.CandidateInterval = ms(f.CandidateIntervalMs)
	cfg.HeartbeatInterval = ms(f.HeartbeatIntervalMs)
	cfg.RPCTimeout = ms(f.RPCTimeoutMs)
	return cfg
}

// Membership builds the static membership of the local node f.ID.
func (f *File) Membership() (*election.StaticMembership, error) {
	return election.NewStaticMembership(election.ServerID(f.ID), f.PeerInfos())
}

// PeerInfos lists the peers in file order. The Self flags are left to the membership.
func (f *File) PeerInfos() []election.PeerInfo {
	peers := make([]election.PeerInfo, 0, len(f.Peers))
	for _, p := range f.Peers {
		peers = append(peers, election.PeerInfo{ID: election.ServerID(p.ID), Address: election.ServerAddress(p.Address)})
	}
	return peers
}

// ListenAddress is Listen, or the local node's own address from Peers.
func (f *File) ListenAddress() string {
	if f.Listen != "" {
		return f.Listen
	}
	for _, p := range f.Peers {
		if p.ID == f.ID {
			return p.Address
		}
	}
	return ""
}

// Generate builds a cluster file for addrs with a fresh uuid per peer.
func Generate(addrs []string) *File {
	f := Default()
	for _, addr := range addrs {
		f.Peers = append(f.Peers, Peer{ID: uuid.NewString(), Address: addr})
	}
	return f
}

// Marshal encodes the file as YAML.
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
