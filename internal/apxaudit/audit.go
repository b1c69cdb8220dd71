// Package apxaudit keeps an append-only record of connection lifecycle
// events (connect, handshake, parse failure, disconnect) in a bbolt
// database, each entry tagged with a gofrs/uuid correlation id. It never
// records port buffer contents -- only the lifecycle events themselves.
package apxaudit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.etcd.io/bbolt"
)

// Kind names one connection lifecycle event (spec.md §4.J connection
// bookkeeping plus §4.I HeaderAccepted/parse-failure handling).
type Kind string

const (
	Connected      Kind = "connected"
	HeaderAccepted Kind = "header_accepted"
	ParseFailed    Kind = "parse_failed"
	NodeComplete   Kind = "node_complete"
	Disconnected   Kind = "disconnected"
)

const bucketName = "connections"

// Event is one recorded lifecycle transition. ID correlates every event
// logged for the same connection's lifetime; it is not the connection id
// itself, since connection ids are reused across the process lifetime
// (spec.md §8 scenario S5) and a correlation id must not be.
type Event struct {
	ID           uuid.UUID `json:"id"`
	ConnectionID int       `json:"connection_id"`
	Kind         Kind      `json:"kind"`
	Detail       string    `json:"detail,omitempty"`
	Time         time.Time `json:"time"`
}

// Log is a bbolt-backed append log of Events. Grounded on
// phenix/store/bolt.go's BoltDB: a struct wrapping *bbolt.DB, opened with
// NoFreelistSync since this log is rewritten constantly and never needs
// freelist durability across a crash.
type Log struct {
	db *bbolt.DB
}

// Open creates or opens the bbolt database at path and ensures its bucket
// exists.
func Open(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{NoFreelistSync: true})
	if err != nil {
		return nil, fmt.Errorf("apxaudit: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("apxaudit: creating bucket: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends ev to the log, stamping it with a fresh correlation id.
// It returns the id assigned so callers can correlate later events for the
// same connection lifetime.
func (l *Log) Record(connID int, kind Kind, detail string) (uuid.UUID, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("apxaudit: generating id: %w", err)
	}

	ev := Event{
		ID:           id,
		ConnectionID: connID,
		Kind:         kind,
		Detail:       detail,
		Time:         time.Now(),
	}

	v, err := json.Marshal(ev)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("apxaudit: marshaling event: %w", err)
	}

	err = l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(id.Bytes(), v)
	})
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("apxaudit: writing event: %w", err)
	}

	return id, nil
}

// ForConnection returns every event recorded for connID, in no particular
// order (bbolt iterates buckets in key order, and keys here are random
// uuids rather than connection ids).
func (l *Log) ForConnection(connID int) ([]Event, error) {
	var out []Event

	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.ForEach(func(_, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshaling event: %w", err)
			}
			if ev.ConnectionID == connID {
				out = append(out, ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("apxaudit: reading events for connection %d: %w", connID, err)
	}

	return out, nil
}

// All returns every recorded event, in no particular order.
func (l *Log) All() ([]Event, error) {
	var out []Event

	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.ForEach(func(_, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshaling event: %w", err)
			}
			out = append(out, ev)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("apxaudit: reading events: %w", err)
	}

	return out, nil
}
