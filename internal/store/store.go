// Package store persists Switch records in syndtr/goleveldb. Writes to
// the same switch id are serialized through a per-id mutex.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/cryptocore"
	"github.com/echolock/core/internal/switchstate"
)

const keyPrefix = "switch/"

func dbKey(id [16]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", keyPrefix, id))
}

// record is the on-disk form of a Switch. Plaintext key material never
// appears here — only the password-wrapped forms.
type record struct {
	ID              [16]byte
	Title           string
	CreatedAtUnix   int64
	CheckInHours    float64
	LastCheckInUnix int64
	ExpiresAtUnix   int64
	ThresholdN      int
	ThresholdT      int
	SharesMeta      []switchstate.ShareMeta
	OwnerPubKey     []byte // compressed
	AuthKeyWrapped  []byte
	Bitcoin         *bitcoinRecord
	Recipients      []string
	CheckInHistory  []checkInRecord
	State           string
	LastNonce       uint64
}

type bitcoinRecord struct {
	Address         string
	Script          []byte
	LocktimeHeight  uint32
	Pubkey          [33]byte
	PrivkeyWrapped  []byte
	TxID            string
	ConfirmedHeight uint32
}

type checkInRecord struct {
	TimestampUnix int64
	Origin        string
}

// SwitchStore is the persistence capability an outer application wires
// up.
type SwitchStore interface {
	Create(s *Stored) error
	Get(id [16]byte) (*Stored, error)
	Update(s *Stored) error
	Delete(id [16]byte) error
	List() ([][16]byte, error)
	Close() error
}

// Stored is the persisted shape of a switch: the switchstate.Switch's
// observable fields plus the wrapped secrets kept alongside it (the
// share auth key and, for Bitcoin switches, the timelock private key).
type Stored struct {
	Switch         *switchstate.Switch
	AuthKeyWrapped []byte
	PrivkeyWrapped []byte // only meaningful if Switch.Bitcoin != nil
}

// LevelDBStore implements SwitchStore over a goleveldb file database.
type LevelDBStore struct {
	db *leveldb.DB

	mu    sync.Mutex
	locks map[[16]byte]*sync.Mutex
}

func Open(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to open switch store", err)
	}
	return &LevelDBStore{db: db, locks: make(map[[16]byte]*sync.Mutex)}, nil
}

func (s *LevelDBStore) lockFor(id [16]byte) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func toRecord(s *Stored) *record {
	sw := s.Switch
	rec := &record{
		ID:              sw.ID,
		Title:           sw.Title,
		CreatedAtUnix:   sw.CreatedAt.Unix(),
		CheckInHours:    sw.CheckInHours,
		LastCheckInUnix: sw.LastCheckIn.Unix(),
		ExpiresAtUnix:   sw.ExpiresAt.Unix(),
		ThresholdN:      sw.Threshold.N,
		ThresholdT:      sw.Threshold.T,
		SharesMeta:      sw.SharesMeta,
		AuthKeyWrapped:  s.AuthKeyWrapped,
		Recipients:      sw.Recipients,
		State:           sw.State(),
		LastNonce:       sw.LastNonce(),
	}
	if sw.OwnerPubKey != nil {
		rec.OwnerPubKey = sw.OwnerPubKey.SerializeCompressed()
	}
	if sw.Bitcoin != nil {
		rec.Bitcoin = &bitcoinRecord{
			Address:         sw.Bitcoin.Address,
			Script:          sw.Bitcoin.Script,
			LocktimeHeight:  sw.Bitcoin.LocktimeHeight,
			Pubkey:          sw.Bitcoin.Pubkey,
			PrivkeyWrapped:  s.PrivkeyWrapped,
			TxID:            sw.Bitcoin.TxID,
			ConfirmedHeight: sw.Bitcoin.ConfirmedHeight,
		}
	}
	for _, ci := range sw.CheckInHistory {
		rec.CheckInHistory = append(rec.CheckInHistory, checkInRecord{TimestampUnix: ci.Timestamp.Unix(), Origin: ci.Origin})
	}
	return rec
}

// Create persists a new switch record, failing if one already exists for
// this id.
func (s *LevelDBStore) Create(st *Stored) error {
	lock := s.lockFor(st.Switch.ID)
	lock.Lock()
	defer lock.Unlock()

	key := dbKey(st.Switch.ID)
	if _, err := s.db.Get(key, nil); err == nil {
		return corerr.New(corerr.KindInvalidInput, "switch already exists")
	}
	return s.put(key, toRecord(st))
}

// Update overwrites an existing switch record.
func (s *LevelDBStore) Update(st *Stored) error {
	lock := s.lockFor(st.Switch.ID)
	lock.Lock()
	defer lock.Unlock()

	key := dbKey(st.Switch.ID)
	if _, err := s.db.Get(key, nil); err != nil {
		return corerr.New(corerr.KindInvalidInput, "switch does not exist")
	}
	return s.put(key, toRecord(st))
}

func (s *LevelDBStore) put(key []byte, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "failed to marshal switch record", err)
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "failed to persist switch record", err)
	}
	return nil
}

// Get loads a switch record's wrapped form and rebuilds the live
// switchstate.Switch (with its internal FSM set to the stored State) via
// switchstate.Restore.
func (s *LevelDBStore) Get(id [16]byte) (*Stored, error) {
	data, err := s.db.Get(dbKey(id), nil)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "switch not found", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to unmarshal switch record", err)
	}
	return fromRecord(&rec)
}

func fromRecord(rec *record) (*Stored, error) {
	sw, err := switchstate.Restore(switchstate.RestoreParams{
		ID:             rec.ID,
		Title:          rec.Title,
		CreatedAtUnix:  rec.CreatedAtUnix,
		CheckInHours:   rec.CheckInHours,
		LastCheckInUnix: rec.LastCheckInUnix,
		ExpiresAtUnix:  rec.ExpiresAtUnix,
		Threshold:      switchstate.Threshold{N: rec.ThresholdN, T: rec.ThresholdT},
		SharesMeta:     rec.SharesMeta,
		OwnerPubKeyCompressed: rec.OwnerPubKey,
		Recipients:     rec.Recipients,
		State:          rec.State,
		LastNonce:      rec.LastNonce,
	})
	if err != nil {
		return nil, err
	}
	for _, ci := range rec.CheckInHistory {
		sw.CheckInHistory = append(sw.CheckInHistory, switchstate.CheckIn{
			Timestamp: time.Unix(ci.TimestampUnix, 0),
			Origin:    ci.Origin,
		})
	}

	st := &Stored{Switch: sw, AuthKeyWrapped: rec.AuthKeyWrapped}
	if rec.Bitcoin != nil {
		sw.Bitcoin = &switchstate.BitcoinCommitment{
			Address:         rec.Bitcoin.Address,
			Script:          rec.Bitcoin.Script,
			LocktimeHeight:  rec.Bitcoin.LocktimeHeight,
			Pubkey:          rec.Bitcoin.Pubkey,
			TxID:            rec.Bitcoin.TxID,
			ConfirmedHeight: rec.Bitcoin.ConfirmedHeight,
		}
		st.PrivkeyWrapped = rec.Bitcoin.PrivkeyWrapped
	}
	return st, nil
}

// Delete zeroizes the wrapped secrets of the in-memory record (best
// effort — the caller's own copies are theirs to clear) and removes the
// switch from the database.
func (s *LevelDBStore) Delete(id [16]byte) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.Get(id)
	if err == nil {
		cryptocore.Zero(st.AuthKeyWrapped)
		cryptocore.Zero(st.PrivkeyWrapped)
	}
	if err := s.db.Delete(dbKey(id), nil); err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "failed to delete switch record", err)
	}
	return nil
}

// List returns every switch id currently persisted.
func (s *LevelDBStore) List() ([][16]byte, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()

	var ids [][16]byte
	for iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		ids = append(ids, rec.ID)
	}
	if err := iter.Error(); err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to iterate switch store", err)
	}
	return ids, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

var _ SwitchStore = (*LevelDBStore)(nil)
