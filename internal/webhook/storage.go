package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/unosend/unosend/internal/metrics"
)

var (
	bucketDeliveries = []byte("deliveries")
	bucketDue        = []byte("due")
	bucketDead       = []byte("dead")
)

// BoltStorage persists webhook deliveries in BoltDB. The due bucket is an
// index ordered by next attempt time; a delivery is in it only while
// pending.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens or creates the queue at path. Deliveries left in
// flight by a previous process are made due again.
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDeliveries, bucketDue, bucketDead} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStorage{db: db}
	if err := s.requeueInFlight(time.Now()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Enqueue stores a new pending delivery
func (s *BoltStorage) Enqueue(ctx context.Context, d *Delivery) error {
	d.Status = StatusPending
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putDelivery(tx, d); err != nil {
			return err
		}
		return tx.Bucket(bucketDue).Put(makeIndexKey(d.NextAttemptAt, d.ID), []byte(d.ID))
	})
}

// ClaimDue marks up to limit deliveries whose attempt time has passed as
// sending and returns them, oldest first.
func (s *BoltStorage) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	var claimed []*Delivery

	err := s.db.Update(func(tx *bolt.Tx) error {
		due := tx.Bucket(bucketDue)
		var keys [][]byte

		c := due.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(claimed) >= limit {
				break
			}
			if parseTimestampFromKey(k).After(now) {
				break
			}
			keys = append(keys, append([]byte{}, k...))

			d, err := getDelivery(tx, string(v))
			if err != nil {
				return err
			}
			if d == nil {
				continue
			}
			d.Status = StatusSending
			d.UpdatedAt = now
			if err := putDelivery(tx, d); err != nil {
				return err
			}
			claimed = append(claimed, d)
		}

		for _, k := range keys {
			if err := due.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})

	return claimed, err
}

// Complete removes a delivered item
func (s *BoltStorage) Complete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).Delete([]byte(id))
	})
}

// Retry puts a failed delivery back in the due index at NextAttemptAt
func (s *BoltStorage) Retry(ctx context.Context, d *Delivery) error {
	d.Status = StatusPending
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putDelivery(tx, d); err != nil {
			return err
		}
		return tx.Bucket(bucketDue).Put(makeIndexKey(d.NextAttemptAt, d.ID), []byte(d.ID))
	})
}

// Kill moves a delivery that exhausted its retries to the dead bucket
func (s *BoltStorage) Kill(ctx context.Context, d *Delivery) error {
	d.Status = StatusDead
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putDelivery(tx, d); err != nil {
			return err
		}
		return tx.Bucket(bucketDead).Put(makeIndexKey(d.UpdatedAt, d.ID), []byte(d.ID))
	})
}

// Revive moves a dead delivery back to pending with a fresh retry budget,
// due at now. It returns false when id is not dead.
func (s *BoltStorage) Revive(ctx context.Context, id string, now time.Time) (bool, error) {
	revived := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDelivery(tx, id)
		if err != nil || d == nil || d.Status != StatusDead {
			return err
		}

		dead := tx.Bucket(bucketDead)
		var deadKey []byte
		c := dead.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == id {
				deadKey = append([]byte(nil), k...)
				break
			}
		}
		if deadKey != nil {
			if err := dead.Delete(deadKey); err != nil {
				return err
			}
		}

		d.Status = StatusPending
		d.Attempts = 0
		d.NextAttemptAt = now
		d.UpdatedAt = now
		if err := putDelivery(tx, d); err != nil {
			return err
		}
		revived = true
		return tx.Bucket(bucketDue).Put(makeIndexKey(now, d.ID), []byte(d.ID))
	})
	return revived, err
}

// Get retrieves a delivery by ID. It returns nil when absent.
func (s *BoltStorage) Get(ctx context.Context, id string) (*Delivery, error) {
	var d *Delivery
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = getDelivery(tx, id)
		return err
	})
	return d, err
}

// ListDead returns dead deliveries, oldest first
func (s *BoltStorage) ListDead(ctx context.Context, limit int) ([]*Delivery, error) {
	var out []*Delivery
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDead).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			d, err := getDelivery(tx, string(v))
			if err != nil {
				return err
			}
			if d != nil {
				out = append(out, d)
			}
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// QueueStats reports pending and dead counts
func (s *BoltStorage) QueueStats(ctx context.Context) (*metrics.QueueStats, error) {
	stats := &metrics.QueueStats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Pending = int64(tx.Bucket(bucketDue).Stats().KeyN)
		stats.Dead = int64(tx.Bucket(bucketDead).Stats().KeyN)
		return nil
	})
	return stats, err
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func (s *BoltStorage) requeueInFlight(now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var stuck []*Delivery
		err := tx.Bucket(bucketDeliveries).ForEach(func(k, v []byte) error {
			var d Delivery
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if d.Status == StatusSending {
				stuck = append(stuck, &d)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, d := range stuck {
			d.Status = StatusPending
			d.NextAttemptAt = now
			if err := putDelivery(tx, d); err != nil {
				return err
			}
			if err := tx.Bucket(bucketDue).Put(makeIndexKey(now, d.ID), []byte(d.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func putDelivery(tx *bolt.Tx, d *Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	if err := tx.Bucket(bucketDeliveries).Put([]byte(d.ID), data); err != nil {
		return fmt.Errorf("failed to store delivery: %w", err)
	}
	return nil
}

func getDelivery(tx *bolt.Tx, id string) (*Delivery, error) {
	data := tx.Bucket(bucketDeliveries).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	return &d, nil
}

// makeIndexKey creates a key that sorts by time, then ID. The timestamp is
// zero-padded nanoseconds so byte order matches time order.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d:%s", t.UnixNano(), id))
}

func parseTimestampFromKey(key []byte) time.Time {
	s, _, _ := strings.Cut(string(key), ":")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}
