package cascade

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const journalPrefix = "cascade/"

// Journal persists cascade progress so an interrupted cascade can be resumed
// and a finished one replayed.
type Journal interface {
	Load(rootType RootType, rootID string) (Entry, bool, error)
	Save(e Entry) error
	// Pending lists entries that have not finished, oldest first.
	Pending() ([]Entry, error)
	Close() error
}

// LevelJournal stores entries in LevelDB as JSON under
// "cascade/<type>/<id>".
type LevelJournal struct {
	db *leveldb.DB
}

// OpenLevelJournal opens (or creates) the journal at path.
func OpenLevelJournal(path string) (*LevelJournal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cascade journal %s: %w", path, err)
	}
	return &LevelJournal{db: db}, nil
}

// NewMemoryJournal returns a journal backed by in-memory LevelDB storage.
func NewMemoryJournal() (*LevelJournal, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory cascade journal: %w", err)
	}
	return &LevelJournal{db: db}, nil
}

func journalKey(rootType RootType, rootID string) []byte {
	return []byte(journalPrefix + string(rootType) + "/" + rootID)
}

func (j *LevelJournal) Load(rootType RootType, rootID string) (Entry, bool, error) {
	data, err := j.db.Get(journalKey(rootType, rootID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load cascade %s/%s: %w", rootType, rootID, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cascade %s/%s: %w", rootType, rootID, err)
	}
	return e, true, nil
}

func (j *LevelJournal) Save(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cascade %s/%s: %w", e.RootType, e.RootID, err)
	}
	if err := j.db.Put(journalKey(e.RootType, e.RootID), data, nil); err != nil {
		return fmt.Errorf("save cascade %s/%s: %w", e.RootType, e.RootID, err)
	}
	return nil
}

func (j *LevelJournal) Pending() ([]Entry, error) {
	iter := j.db.NewIterator(util.BytesPrefix([]byte(journalPrefix)), nil)
	defer iter.Release()

	var out []Entry
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode cascade %s: %w", iter.Key(), err)
		}
		if !e.Done {
			out = append(out, e)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan cascade journal: %w", err)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].StartedAt.Before(out[k].StartedAt)
	})
	return out, nil
}

func (j *LevelJournal) Close() error {
	return j.db.Close()
}
