package controller

import (
	"github.com/TheRustyPickle/Chirp-sub000/cryptography"
	"github.com/TheRustyPickle/Chirp-sub000/types"
	"github.com/TheRustyPickle/Chirp-sub000/wire"
)

type opSend struct {
	peer uint64
	text string
}

type opDelete struct {
	peer   uint64
	number uint32
}

type opOpen struct {
	peer uint64
}

type opRequestUser struct {
	peer uint64
}

type opName struct {
	name string
}

type opImage struct {
	link *string
}

type opReload struct{}

// SendMessage encrypts text for peer and sends it. The peer's public key is
// fetched first when it is not known yet.
func (c *Controller) SendMessage(peer uint64, text string) {
	c.opCh.In() <- &opSend{peer: peer, text: text}
}

// DeleteMessage soft deletes a message this user sent to peer.
func (c *Controller) DeleteMessage(peer uint64, number uint32) {
	c.opCh.In() <- &opDelete{peer: peer, number: number}
}

// OpenChat marks peer as the conversation on screen and fetches its profile.
func (c *Controller) OpenChat(peer uint64) {
	c.opCh.In() <- &opOpen{peer: peer}
}

func (c *Controller) RequestUser(peer uint64) {
	c.opCh.In() <- &opRequestUser{peer: peer}
}

func (c *Controller) UpdateName(name string) {
	c.opCh.In() <- &opName{name: name}
}

// UpdateImage sets the avatar link; nil clears it.
func (c *Controller) UpdateImage(link *string) {
	c.opCh.In() <- &opImage{link: link}
}

// Reload skips any remaining reconnect wait and reconnects now.
func (c *Controller) Reload() {
	c.opCh.In() <- &opReload{}
}

func (c *Controller) handleOp(op interface{}) {
	if _, ok := op.(*opReload); ok {
		c.reload()
		return
	}
	if !c.ready() {
		c.pending = append(c.pending, op)
		return
	}
	c.execute(op)
}

func (c *Controller) execute(op interface{}) {
	switch o := op.(type) {
	case *opSend:
		p := c.peer(o.peer)
		if p.pub == nil {
			p.waiting = append(p.waiting, o.text)
			c.requestUser(p)
			return
		}
		if !c.sendMessage(p, o.text) {
			c.requeue(op)
		}
	case *opDelete:
		// The hub's echo names only the number, so only a delete it will
		// accept may be left pending.
		p, ok := c.peers[o.peer]
		if !ok || !p.slots[o.number].fromMe || p.slots[o.number].deleted {
			c.log.WithField("peer", o.peer).Warnf("not deleting message %d: not an undeleted message of ours", o.number)
			return
		}
		req := types.DeleteMessage{UserID: o.peer, MessageNumber: o.number, UserToken: c.identity.Token}
		if !c.sendJSON(wire.VerbDeleteMessage, req) {
			c.requeue(op)
			return
		}
		c.deletes = append(c.deletes, pendingDelete{peer: o.peer, number: o.number})
	case *opOpen:
		p := c.peer(o.peer)
		if !c.send(wire.Format(wire.VerbUpdateChattingWith, o.peer)) {
			c.requeue(op)
			return
		}
		c.requestUser(p)
	case *opRequestUser:
		if !c.send(wire.Format(wire.VerbGetUserData, o.peer)) {
			c.requeue(op)
		}
	case *opName:
		if !c.sendJSON(wire.VerbNameUpdated, types.NameUpdate{NewName: o.name, UserToken: c.identity.Token}) {
			c.requeue(op)
			return
		}
		c.identity.Name = o.name
		c.saveIdentity()
	case *opImage:
		if !c.sendJSON(wire.VerbImageUpdated, types.ImageUpdate{ImageLink: o.link, UserToken: c.identity.Token}) {
			c.requeue(op)
			return
		}
		c.identity.ImageLink = o.link
		c.saveIdentity()
	default:
		c.log.Errorf("bug: unknown op %T", op)
	}
}

func (c *Controller) sendJSON(verb string, v any) bool {
	frame, err := wire.FormatJSON(verb, v)
	if err != nil {
		c.log.Errorf("encode %s: %v", verb, err)
		return true
	}
	return c.send(frame)
}

// sendMessage returns false only when the transport failed. Encryption
// errors drop the message.
func (c *Controller) sendMessage(p *peer, text string) bool {
	env, err := cryptography.Encrypt([]byte(text), &c.priv.PublicKey, p.pub)
	if err != nil {
		c.log.Errorf("encrypt for %d: %v", p.id, err)
		return true
	}
	rec := types.MessageRecord{
		FromUser:  c.identity.UserID,
		ToUser:    p.id,
		UserToken: c.identity.Token,
	}
	env.Apply(&rec)
	return c.sendJSON(wire.VerbMessage, &rec)
}

func (c *Controller) requestUser(p *peer) {
	if p.requested {
		return
	}
	if c.send(wire.Format(wire.VerbGetUserData, p.id)) {
		p.requested = true
	}
}

func (c *Controller) saveIdentity() {
	if err := c.cfg.Store.SaveIdentity(c.identity); err != nil {
		c.log.Errorf("failed to save identity: %v", err)
	}
}
