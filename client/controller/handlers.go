package controller

import (
	"strconv"
	"strings"
	"time"

	"github.com/TheRustyPickle/Chirp-sub000/client/store"
	"github.com/TheRustyPickle/Chirp-sub000/cryptography"
	"github.com/TheRustyPickle/Chirp-sub000/types"
	"github.com/TheRustyPickle/Chirp-sub000/wire"
)

func (c *Controller) identify() {
	if c.identity != nil {
		info := types.IDInfo{OwnerID: c.identity.UserID, UserID: c.identity.UserID, UserToken: c.identity.Token}
		c.setState(Identifying)
		if !c.sendJSON(wire.VerbReconnectUser, info) {
			return
		}
		// The hub does not acknowledge a reconnect.
		c.enterReady()
		return
	}
	if c.priv == nil {
		c.log.Info("waiting for key generation before creating user")
		return
	}
	pem, err := cryptography.EncodePublicKey(&c.priv.PublicKey)
	if err != nil {
		c.log.Errorf("encode public key: %v", err)
		return
	}
	c.setState(Identifying)
	c.sendJSON(wire.VerbCreateNewUser, types.FullUser{
		UserName:     c.cfg.Name,
		ImageLink:    c.cfg.ImageLink,
		RSAPublicKey: pem,
	})
}

func (c *Controller) onFrame(text string) {
	f, err := wire.Parse(text)
	if err != nil {
		c.log.Debugf("dropping unparsable frame: %v", err)
		return
	}
	switch f.Verb {
	case wire.VerbUpdateSessionID:
		if id, err := f.ID(); err == nil {
			c.emit(&ConnectedEvent{SessionID: id})
		}
	case wire.VerbUpdateUserID:
		c.onUserID(f)
	case wire.VerbNewUserMessage:
		c.onNewUser(f)
	case wire.VerbGetUserData:
		c.onUserData(f)
	case wire.VerbMessageNumber:
		c.onMessageNumber(f)
	case wire.VerbSyncMessage:
		c.onSync(f)
	case wire.VerbMessage:
		c.onMessage(f)
	case wire.VerbNameUpdated:
		c.onNameUpdated(f)
	case wire.VerbImageUpdated:
		c.onImageUpdated(f)
	case wire.VerbDeleteMessage:
		c.onDeleted(f)
	default:
		c.log.WithField("verb", f.Verb).Debug("ignoring unknown verb")
	}
}

func (c *Controller) onUserID(f wire.Frame) {
	if c.identity != nil || c.State() != Identifying {
		return
	}
	id, err := f.ID()
	if err != nil {
		c.log.Warnf("bad user id frame: %v", err)
		return
	}
	c.pendingID = id
	c.maybeFinishFirstRun()
}

func (c *Controller) onNewUser(f wire.Frame) {
	if c.identity != nil || c.State() != Identifying {
		return
	}
	var u types.FullUser
	if err := f.JSON(&u); err != nil {
		c.log.Warnf("bad new user frame: %v", err)
		return
	}
	key, err := cryptography.EncodePrivateKey(c.priv)
	if err != nil {
		c.log.Errorf("encode private key: %v", err)
		return
	}
	c.pendingUser = &store.Identity{
		UserID:        u.UserID,
		Name:          u.UserName,
		ImageLink:     u.ImageLink,
		Token:         u.UserToken,
		PrivateKeyPEM: key,
	}
	c.maybeFinishFirstRun()
}

// maybeFinishFirstRun enters Ready once the hub has sent both the id and the
// full user, so queued intents already carry the token.
func (c *Controller) maybeFinishFirstRun() {
	if c.pendingID == 0 || c.pendingUser == nil {
		return
	}
	if c.pendingUser.UserID != c.pendingID {
		c.log.Warnf("hub sent user id %d but profile for %d", c.pendingID, c.pendingUser.UserID)
	}
	c.identity = c.pendingUser
	c.pendingID = 0
	c.pendingUser = nil
	c.firstRun = true
	c.saveIdentity()
	c.log.WithField("user", c.identity.UserID).Info("created user")
	c.enterReady()
}

func (c *Controller) me() uint64 {
	if c.identity == nil {
		return 0
	}
	return c.identity.UserID
}

func (c *Controller) onUserData(f wire.Frame) {
	var u types.FullUser
	if err := f.JSON(&u); err != nil || u.UserID == 0 {
		c.log.Warnf("bad user data frame: %v", err)
		return
	}
	p := c.peer(u.UserID)
	p.requested = false
	p.setProfile(store.Peer{UserID: u.UserID, Name: u.UserName, ImageLink: u.ImageLink, RSAPublicKey: u.RSAPublicKey}, c.log)
	c.savePeer(p)

	ev := &UserDataEvent{User: u}
	if u.Message != nil && !u.Message.IsDeleted() {
		if dm, err := c.decrypt(p, u.Message); err == nil {
			ev.LastMessage = dm
		}
	}
	c.emit(ev)

	if p.pub != nil && len(p.waiting) > 0 {
		waiting := p.waiting
		p.waiting = nil
		for i, text := range waiting {
			if !c.sendMessage(p, text) {
				p.waiting = append(p.waiting, waiting[i:]...)
				return
			}
		}
	}
	if !p.synced {
		c.startSync(p)
	}
}

func (c *Controller) startSync(p *peer) {
	if p.syncing || !c.ready() || c.identity == nil {
		return
	}
	info := types.IDInfo{OwnerID: c.identity.UserID, UserID: p.id, UserToken: c.identity.Token}
	if !c.sendJSON(wire.VerbMessageNumber, info) {
		return
	}
	p.syncing = true
	c.setState(Syncing)
	c.armSyncTimer()
}

func (c *Controller) finishSync(p *peer) {
	p.syncing = false
	p.synced = true
	if c.State() != Syncing {
		return
	}
	for _, other := range c.peers {
		if other.syncing {
			c.armSyncTimer()
			return
		}
	}
	c.stopSyncTimer()
	c.setState(Ready)
	c.emit(&SyncCompleteEvent{})
}

// armSyncTimer restarts the wait for the hub's next sync reply.
func (c *Controller) armSyncTimer() {
	c.stopSyncTimer()
	c.syncTimer = time.NewTimer(c.cfg.SyncTimeout)
}

func (c *Controller) stopSyncTimer() {
	if c.syncTimer != nil {
		c.syncTimer.Stop()
		c.syncTimer = nil
	}
}

// onSyncTimeout gives up on sync requests the hub dropped, for instance
// because the stored token is no longer accepted. Those peers sync again on
// their next message or profile.
func (c *Controller) onSyncTimeout() {
	var stale []uint64
	for _, p := range c.sortedPeers() {
		if p.syncing {
			p.syncing = false
			stale = append(stale, p.id)
		}
	}
	c.syncQueue = nil
	if len(stale) > 0 {
		c.log.Warnf("no sync reply from the hub after %v, giving up on peers %v", c.cfg.SyncTimeout, stale)
	}
	if c.State() == Syncing {
		c.setState(Ready)
		c.emit(&SyncCompleteEvent{})
	}
}

func (c *Controller) requestRange(p *peer, start, end uint32, single bool) {
	req := types.SyncRequest{UserID: p.id, StartAt: start, EndAt: end, UserToken: c.identity.Token}
	if c.sendJSON(wire.VerbSyncMessage, req) {
		c.syncQueue = append(c.syncQueue, syncRequest{peer: p.id, start: start, end: end, single: single})
		c.armSyncTimer()
	}
}

func (c *Controller) onMessageNumber(f wire.Frame) {
	args := f.Args()
	if len(args) != 2 {
		c.log.Warnf("bad message number frame %q", f.String())
		return
	}
	uid, err1 := strconv.ParseUint(args[0], 10, 64)
	last, err2 := strconv.ParseUint(args[1], 10, 32)
	if err1 != nil || err2 != nil {
		c.log.Warnf("bad message number frame %q", f.String())
		return
	}
	p, ok := c.peers[uid]
	if !ok || !p.syncing {
		return
	}
	if uint32(last) > p.last {
		c.requestRange(p, p.last, uint32(last), false)
		return
	}
	c.finishSync(p)
}

func (c *Controller) onSync(f wire.Frame) {
	var reply types.SyncReply
	if err := f.JSON(&reply); err != nil {
		c.log.Warnf("bad sync frame: %v", err)
		return
	}
	req, matched := c.popSync(&reply)
	for i := range reply.MessageData {
		c.ingest(&reply.MessageData[i])
	}
	if !matched || req.single {
		return
	}
	if p, ok := c.peers[req.peer]; ok {
		c.finishSync(p)
	}
}

// popSync finds the outstanding request a reply answers. Replies arrive in
// request order, but the hub silently drops requests it rejects.
func (c *Controller) popSync(reply *types.SyncReply) (syncRequest, bool) {
	var peerOf uint64
	if len(reply.MessageData) > 0 {
		peerOf = reply.MessageData[0].Peer(c.me())
	}
	for i, req := range c.syncQueue {
		if req.start != reply.StartAt || req.end != reply.EndsAt {
			continue
		}
		if peerOf != 0 && peerOf != req.peer {
			continue
		}
		c.syncQueue = append(c.syncQueue[:i], c.syncQueue[i+1:]...)
		return req, true
	}
	return syncRequest{}, false
}

func (c *Controller) onMessage(f wire.Frame) {
	var rec types.MessageRecord
	if err := f.JSON(&rec); err != nil {
		c.log.Warnf("bad message frame: %v", err)
		return
	}
	p := c.ingest(&rec)
	if p == nil {
		return
	}
	if p.pub == nil {
		c.requestUser(p)
	}
	if rec.MessageNumber > p.last {
		c.startSync(p)
	}
}

// ingest renders one record unless its (peer, number) slot was already
// handled. It returns the conversation the record belongs to.
func (c *Controller) ingest(rec *types.MessageRecord) *peer {
	me := c.me()
	if me == 0 || (rec.FromUser != me && rec.ToUser != me) {
		c.log.Warnf("dropping record %d between %d and %d", rec.MessageNumber, rec.FromUser, rec.ToUser)
		return nil
	}
	p := c.peer(rec.Peer(me))
	n := rec.MessageNumber
	if n == 0 {
		return p
	}
	prev, seen := p.slots[n]
	fromMe := rec.FromUser == me

	if rec.IsDeleted() {
		if seen && prev.deleted {
			return p
		}
		p.slots[n] = slot{fromMe: fromMe, deleted: true}
		p.advance()
		if seen && !prev.failed {
			c.emit(&MessageDeletedEvent{Peer: p.id, Number: n})
		} else {
			c.emit(&MessageEvent{Peer: p.id, Message: placeholder(rec)})
		}
		return p
	}
	if seen {
		return p
	}

	dm, err := c.decrypt(p, rec)
	if err != nil {
		c.log.WithField("peer", p.id).WithField("number", n).Errorf("failed to decrypt message: %v", err)
		p.slots[n] = slot{fromMe: fromMe, failed: true}
		p.advance()
		c.emit(&DecryptFailedEvent{Peer: p.id, Number: n, Err: err})
		return p
	}
	p.slots[n] = slot{fromMe: fromMe}
	p.advance()
	c.emit(&MessageEvent{Peer: p.id, Message: *dm})
	return p
}

func (c *Controller) decrypt(p *peer, rec *types.MessageRecord) (*types.DecryptedMessage, error) {
	role := cryptography.RoleReceiver
	if rec.FromUser == c.me() {
		role = cryptography.RoleSender
	}
	text, key, err := cryptography.Decrypt(rec, c.priv, role, p.aesKey)
	if err != nil {
		return nil, err
	}
	p.aesKey = key
	return &types.DecryptedMessage{
		CreatedAt:  rec.CreatedAt.Time,
		FromUser:   rec.FromUser,
		ToUser:     rec.ToUser,
		Number:     rec.MessageNumber,
		Plaintext:  &text,
		UsedAESKey: key,
	}, nil
}

func placeholder(rec *types.MessageRecord) types.DecryptedMessage {
	return types.DecryptedMessage{
		CreatedAt: rec.CreatedAt.Time,
		FromUser:  rec.FromUser,
		ToUser:    rec.ToUser,
		Number:    rec.MessageNumber,
	}
}

func (c *Controller) onDeleted(f wire.Frame) {
	args := f.Args()
	if len(args) != 2 {
		c.log.Warnf("bad delete frame %q", f.String())
		return
	}
	deleter, err1 := strconv.ParseUint(args[0], 10, 64)
	number, err2 := strconv.ParseUint(args[1], 10, 32)
	if err1 != nil || err2 != nil {
		c.log.Warnf("bad delete frame %q", f.String())
		return
	}
	n := uint32(number)

	if deleter != c.me() {
		if p, ok := c.peers[deleter]; ok {
			c.markDeleted(p, n)
		}
		return
	}
	for i, d := range c.deletes {
		if d.number == n {
			c.deletes = append(c.deletes[:i], c.deletes[i+1:]...)
			c.markDeleted(c.peer(d.peer), n)
			return
		}
	}
	// Deleted from another device of ours; the frame does not name the
	// conversation, so re-read that slot wherever we sent it.
	for _, p := range c.sortedPeers() {
		if s, ok := p.slots[n]; ok && s.fromMe && !s.deleted {
			c.requestRange(p, n-1, n, true)
		}
	}
}

func (c *Controller) markDeleted(p *peer, n uint32) {
	s, ok := p.slots[n]
	if !ok || s.deleted {
		return
	}
	s.deleted = true
	p.slots[n] = s
	c.emit(&MessageDeletedEvent{Peer: p.id, Number: n})
}

func (c *Controller) onNameUpdated(f wire.Frame) {
	id, rest, ok := strings.Cut(f.Payload, " ")
	uid, err := strconv.ParseUint(id, 10, 64)
	name := strings.TrimSpace(rest)
	if !ok || err != nil || name == "" {
		c.log.Warnf("bad name update frame %q", f.String())
		return
	}
	if p, ok := c.peers[uid]; ok {
		p.name = name
		c.savePeer(p)
	}
	c.emit(&NameUpdatedEvent{UserID: uid, Name: name})
}

func (c *Controller) onImageUpdated(f wire.Frame) {
	args := f.Args()
	if len(args) == 0 || len(args) > 2 {
		c.log.Warnf("bad image update frame %q", f.String())
		return
	}
	uid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		c.log.Warnf("bad image update frame %q", f.String())
		return
	}
	var link *string
	if len(args) == 2 {
		link = &args[1]
	}
	if p, ok := c.peers[uid]; ok {
		p.imageLink = link
		c.savePeer(p)
	}
	c.emit(&ImageUpdatedEvent{UserID: uid, ImageLink: link})
}
