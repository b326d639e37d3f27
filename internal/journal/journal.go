// Package journal persists pending lifecycle tasks in BoltDB so externally
// requested work survives a gateway restart. Tasks are appended when
// accepted, acknowledged when the worker finishes driving them, and
// restored in order at startup.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/slipway-dev/slipway/internal/project"
)

var bucketTasks = []byte("tasks")

// Task is one pending lifecycle request for a project.
type Task struct {
	ID         uint64         `json:"id"`
	Project    project.Name   `json:"project"`
	Intent     project.Intent `json:"intent"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Journal wraps the BoltDB database holding pending tasks.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal at the given path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Append records a task before it is handed to the worker and returns its
// journal id.
func (j *Journal) Append(name project.Name, intent project.Intent, at time.Time) (uint64, error) {
	var id uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		data, err := json.Marshal(Task{ID: id, Project: name, Intent: intent, EnqueuedAt: at.UTC()})
		if err != nil {
			return err
		}
		return b.Put(seqKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("journal append: %w", err)
	}
	return id, nil
}

// Ack removes a completed task. Acking an unknown id is a no-op so the
// worker can ack idempotently after a restart.
func (j *Journal) Ack(id uint64) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete(seqKey(id))
	})
	if err != nil {
		return fmt.Errorf("journal ack: %w", err)
	}
	return nil
}

// Restore returns all pending tasks in append order.
func (j *Journal) Restore() ([]Task, error) {
	var tasks []Task
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue // skip torn records
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal restore: %w", err)
	}
	return tasks, nil
}

// Len reports the number of pending tasks.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTasks).Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(id uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id)
	return key[:]
}
