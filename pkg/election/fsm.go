package election

import (
	"io"

	"github.com/hashicorp/raft"
)

// noopFSM satisfies raft.FSM without replicating anything. The cluster
// is used for leader election only; nothing is ever applied.
type noopFSM struct{}

func (f *noopFSM) Apply(*raft.Log) interface{} { return nil }

func (f *noopFSM) Snapshot() (raft.FSMSnapshot, error) { return &noopSnapshot{}, nil }

func (f *noopFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type noopSnapshot struct{}

func (s *noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }

func (s *noopSnapshot) Release() {}
