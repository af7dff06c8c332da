package election

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/log"
)

// Options configures one cluster member.
type Options struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
}

// Elector picks a single leader among control-plane nodes. All durable
// state lives in Postgres and Redis, so the Raft log carries no data;
// the cluster exists purely so that exactly one node runs the workers,
// the enforcer and the pool autoscaler while the others stand hot.
type Elector struct {
	raft   *raft.Raft
	opts   Options
	logger zerolog.Logger
}

// Open starts the Raft node and, when Bootstrap is set, forms a
// single-node cluster ready to accept voters.
func Open(opts Options) (*Elector, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("election node id is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create election data dir: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(opts.NodeID)
	// Standby takeover well under the enforcer interval; the loops
	// tolerate a missed tick.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", opts.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(opts.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(opts.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, &noopFSM{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	e := &Elector{raft: r, opts: opts, logger: log.WithComponent("election")}

	if opts.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}
	e.logger.Info().Str("node_id", opts.NodeID).Str("bind", opts.BindAddr).
		Bool("bootstrap", opts.Bootstrap).Msg("election started")
	return e, nil
}

// AddVoter joins another node to the cluster. Leader only.
func (e *Elector) AddVoter(nodeID, address string) error {
	future := e.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", nodeID, err)
	}
	e.logger.Info().Str("node_id", nodeID).Str("address", address).Msg("voter added")
	return nil
}

// RemoveServer removes a node from the cluster. Leader only.
func (e *Elector) RemoveServer(nodeID string) error {
	future := e.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server %s: %w", nodeID, err)
	}
	return nil
}

// IsLeader reports whether this node currently leads.
func (e *Elector) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// Leader returns the current leader address, empty when unknown.
func (e *Elector) Leader() string {
	addr, _ := e.raft.LeaderWithID()
	return string(addr)
}

// LeaderCh signals leadership changes; true means this node became
// leader, false means it lost leadership.
func (e *Elector) LeaderCh() <-chan bool {
	return e.raft.LeaderCh()
}

// Stats exposes Raft internals for the status endpoint.
func (e *Elector) Stats() map[string]string {
	stats := e.raft.Stats()
	stats["node_id"] = e.opts.NodeID
	return stats
}

// Shutdown leaves the cluster gracefully.
func (e *Elector) Shutdown() error {
	return e.raft.Shutdown().Error()
}
