// Package store persists the client profile: the local identity, its
// private key and the peers seen so far. It is a bbolt file with CBOR
// encoded values.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataBucket = "metadata"
	identityBucket = "identity"
	peersBucket    = "peers"

	versionKey  = "version"
	identityKey = "self"

	schemaVersion = 0
)

var ErrNotFound = errors.New("store: not found")

// Identity is what the hub handed out on first run plus the key pair the
// client generated for itself.
type Identity struct {
	UserID        uint64  `cbor:"1,keyasint"`
	Name          string  `cbor:"2,keyasint"`
	ImageLink     *string `cbor:"3,keyasint,omitempty"`
	Token         string  `cbor:"4,keyasint"`
	PrivateKeyPEM []byte  `cbor:"5,keyasint"`
}

// Peer is the public profile of another user.
type Peer struct {
	UserID       uint64  `cbor:"1,keyasint"`
	Name         string  `cbor:"2,keyasint"`
	ImageLink    *string `cbor:"3,keyasint,omitempty"`
	RSAPublicKey string  `cbor:"4,keyasint"`
}

type Store struct {
	db *bolt.DB
}

// Open creates (or loads) the profile database in file f.
func Open(f string) (*Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{identityBucket, peersBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != schemaVersion {
				return fmt.Errorf("store: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{schemaVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Identity() (*Identity, error) {
	var id Identity
	err := s.get(identityBucket, []byte(identityKey), &id)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *Store) SaveIdentity(id *Identity) error {
	return s.put(identityBucket, []byte(identityKey), id)
}

func (s *Store) SavePeer(p *Peer) error {
	return s.put(peersBucket, peerKey(p.UserID), p)
}

// Peers returns every stored peer ordered by user id.
func (s *Store) Peers() ([]Peer, error) {
	var peers []Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).ForEach(func(k, v []byte) error {
			var p Peer
			if err := cbor.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("store: corrupt peer %x: %w", k, err)
			}
			peers = append(peers, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].UserID < peers[j].UserID })
	return peers, nil
}

func (s *Store) get(bucket string, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucket)).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(raw, v)
	})
}

func (s *Store) put(bucket string, key []byte, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, raw)
	})
}

func peerKey(uid uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uid)
	return k[:]
}
