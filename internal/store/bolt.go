package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices    = []byte("devices")
	bucketThresholds = []byte("thresholds")
	bucketBaselines  = []byte("baselines")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketThresholds, bucketBaselines} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.Serial), data)
	})
}

func (s *BoltStore) GetDevice(serial string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("device %s: %w", serial, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(serial string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(serial))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(serial string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("device %s: %w", serial, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(serial), out)
	})
}

func (s *BoltStore) SaveThreshold(th *Threshold) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketThresholds)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketThresholds)
		}
		data, err := json.Marshal(th)
		if err != nil {
			return err
		}
		return b.Put(thresholdKey(th.Serial, th.TriggerID), data)
	})
}

func (s *BoltStore) DeleteThreshold(serial, triggerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketThresholds)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketThresholds)
		}
		return b.Delete(thresholdKey(serial, triggerID))
	})
}

func (s *BoltStore) ListThresholds() ([]*Threshold, error) {
	var ths []*Threshold
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketThresholds)
		if b == nil {
			return nil
		}
		ths = make([]*Threshold, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var th Threshold
			if err := json.Unmarshal(v, &th); err != nil {
				return err
			}
			ths = append(ths, &th)
			return nil
		})
	})
	return ths, err
}

func (s *BoltStore) SaveBladeBaseline(serial string, seconds int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBaselines)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBaselines)
		}
		return b.Put([]byte(serial), []byte(strconv.Itoa(seconds)))
	})
}

func (s *BoltStore) GetBladeBaseline(serial string) (int, error) {
	var seconds int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBaselines)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBaselines)
		}
		data := b.Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("baseline %s: %w", serial, ErrNotFound)
		}
		n, err := strconv.Atoi(string(data))
		if err != nil {
			return fmt.Errorf("baseline %s: %w", serial, err)
		}
		seconds = n
		return nil
	})
	return seconds, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
