package election

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRequiresNodeID(t *testing.T) {
	_, err := Open(Options{BindAddr: "127.0.0.1:0"})
	assert.ErrorContains(t, err, "node id")
}

func TestNoopFSMRoundTrip(t *testing.T) {
	fsm := &noopFSM{}
	assert.Nil(t, fsm.Apply(&raft.Log{Data: []byte("ignored")}))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	snap.Release()
}
