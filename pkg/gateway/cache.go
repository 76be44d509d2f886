package gateway

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hazardous-sun/ouroboros-fs/pkg/protocol"
)

const netmapBucket = "netmap"

// Cache persists the gateway's last known netmap in a small bolt DB so a
// restarted gateway can route before its first poll completes. Writes are
// coalesced through a batching loop so the poll path never waits on disk.
type Cache struct {
	db   *bolt.DB
	ch   chan kv
	done chan struct{}
}

type kv struct{ k, v []byte }

// OpenCache opens (or creates) the cache DB and starts the write loop.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(netmapBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	c := &Cache{db: db, ch: make(chan kv, 1024), done: make(chan struct{})}
	go c.loop()
	return c, nil
}

// Load reads the persisted netmap.
func (c *Cache) Load() map[string]protocol.Status {
	m := make(map[string]protocol.Status)
	_ = c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(netmapBucket)).ForEach(func(k, v []byte) error {
			if string(v) == string(protocol.Dead) {
				m[string(k)] = protocol.Dead
			} else {
				m[string(k)] = protocol.Alive
			}
			return nil
		})
	})
	return m
}

// Store queues the netmap for persistence.
func (c *Cache) Store(m map[string]protocol.Status) {
	for port, st := range m {
		select {
		case c.ch <- kv{[]byte(port), []byte(st)}:
		default:
			// full queue: drop, the next poll rewrites everything anyway
		}
	}
}

func (c *Cache) loop() {
	buf := make([]kv, 0, 100)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		_ = c.db.Update(func(tx *bolt.Tx) error {
			bk := tx.Bucket([]byte(netmapBucket))
			for _, p := range buf {
				if err := bk.Put(p.k, p.v); err != nil {
					return err
				}
			}
			return nil
		})
		buf = buf[:0]
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case p, ok := <-c.ch:
			if !ok {
				flush()
				close(c.done)
				return
			}
			buf = append(buf, p)
			if len(buf) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes pending writes and closes the DB.
func (c *Cache) Close() error {
	close(c.ch)
	<-c.done
	return c.db.Close()
}
