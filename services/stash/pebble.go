package stash

import (
	"github.com/cockroachdb/pebble"
)

// WriteOptions syncs every write; authority trees are small and rare.
var WriteOptions = pebble.Sync

// PebbleBackend stores records in a pebble database directory.
type PebbleBackend struct {
	db *pebble.DB
}

// OpenPebble opens or creates the database at dir.
func OpenPebble(dir string) (*PebbleBackend, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleBackend{db: db}, nil
}

func (p *PebbleBackend) Get(key string) ([]byte, bool, error) {
	value, closer, err := p.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), true, nil
}

func (p *PebbleBackend) Put(key string, value []byte) error {
	return p.db.Set([]byte(key), value, WriteOptions)
}

func (p *PebbleBackend) Delete(key string) error {
	return p.db.Delete([]byte(key), WriteOptions)
}

func (p *PebbleBackend) Keys(prefix string) ([]string, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd([]byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []string
	for valid := iter.First(); valid; valid = iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

func (p *PebbleBackend) Close() error {
	return p.db.Close()
}

// prefixEnd is the smallest key greater than every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
