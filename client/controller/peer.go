package controller

import (
	"crypto/rsa"

	"github.com/sirupsen/logrus"

	"github.com/TheRustyPickle/Chirp-sub000/client/store"
	"github.com/TheRustyPickle/Chirp-sub000/cryptography"
)

type slot struct {
	fromMe  bool
	deleted bool
	failed  bool
}

// peer is one conversation as this client knows it.
type peer struct {
	id        uint64
	name      string
	imageLink *string
	pem       string
	pub       *rsa.PublicKey

	// aesKey is the last message key that opened a record of this
	// conversation; it is tried before unwrapping.
	aesKey []byte

	// slots indexes every message number already handled; last is the
	// highest number n with 1..n all present.
	slots map[uint32]slot
	last  uint32

	waiting   []string
	requested bool
	syncing   bool
	synced    bool
}

func newPeer(id uint64) *peer {
	return &peer{id: id, slots: make(map[uint32]slot)}
}

func (p *peer) setProfile(rec store.Peer, log *logrus.Entry) {
	p.name = rec.Name
	p.imageLink = rec.ImageLink
	if rec.RSAPublicKey == "" || rec.RSAPublicKey == p.pem {
		return
	}
	pub, err := cryptography.ParsePublicKey(rec.RSAPublicKey)
	if err != nil {
		log.Warnf("peer %d has an unusable public key: %v", p.id, err)
		return
	}
	p.pem = rec.RSAPublicKey
	p.pub = pub
}

func (p *peer) record() store.Peer {
	return store.Peer{UserID: p.id, Name: p.name, ImageLink: p.imageLink, RSAPublicKey: p.pem}
}

func (p *peer) advance() {
	for {
		if _, ok := p.slots[p.last+1]; !ok {
			return
		}
		p.last++
	}
}
