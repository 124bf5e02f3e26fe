package persist

import (
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDB is a Store backed by github.com/syndtr/goleveldb, keyed by the
// packed (ns_id, key_id) per spec.md §6's persisted-state layout.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (creating if absent) a goleveldb database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (s *LevelDB) Close() error { return s.db.Close() }

func levelKey(ns, key uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, packKey(ns, key))
	return buf
}

func (s *LevelDB) Load(ns, key uint16) ([]byte, LoadStatus, error) {
	raw, err := s.db.Get(levelKey(ns, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, LoadMissing, nil
	}
	if err != nil {
		return nil, LoadMissing, err
	}
	payload, ok := decodeRecord(raw)
	if !ok {
		return nil, LoadCRCMismatch, nil
	}
	return payload, LoadOK, nil
}

func (s *LevelDB) Save(ns, key uint16, payload []byte) error {
	return s.db.Put(levelKey(ns, key), encodeRecord(payload), nil)
}
