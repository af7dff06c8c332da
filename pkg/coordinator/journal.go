package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hutchhq/hutch/pkg/types"
)

var jobsBucket = []byte("inflight_jobs")

// Journal records which jobs this node is currently executing, in a
// local bbolt file. After a crash the entries identify work that was
// popped from the queue but never finished, so it can be requeued
// instead of silently lost.
type Journal struct {
	db *bolt.DB
}

type journalEntry struct {
	Job       *types.ProvisionJob `json:"job"`
	ClaimedAt time.Time           `json:"claimed_at"`
}

// OpenJournal opens or creates the journal file.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open job journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init job journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Record marks a job as in flight on this node.
func (j *Journal) Record(job *types.ProvisionJob) error {
	payload, err := json.Marshal(journalEntry{Job: job, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Put([]byte(job.ID), payload)
	})
}

// Complete removes a finished job from the journal.
func (j *Journal) Complete(jobID string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Delete([]byte(jobID))
	})
}

// Orphans returns all recorded jobs. Called before the workers start,
// so every entry is a casualty of the previous process.
func (j *Journal) Orphans() ([]*types.ProvisionJob, error) {
	var jobs []*types.ProvisionJob
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, v []byte) error {
			var e journalEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt journal entry: %w", err)
			}
			jobs = append(jobs, e.Job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
