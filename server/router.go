package main

import (
	"context"
	"errors"
	"strings"

	"github.com/TheRustyPickle/Chirp-sub000/cryptography"
	"github.com/TheRustyPickle/Chirp-sub000/types"
	"github.com/TheRustyPickle/Chirp-sub000/utils"
	"github.com/TheRustyPickle/Chirp-sub000/wire"
)

type handlerFunc func(h *Hub, ctx context.Context, s *session, f wire.Frame) error

var handlers = map[string]handlerFunc{
	wire.VerbCreateNewUser:      (*Hub).createNewUser,
	wire.VerbReconnectUser:      (*Hub).reconnectUser,
	wire.VerbGetUserData:        (*Hub).getUserData,
	wire.VerbMessageNumber:      (*Hub).messageNumber,
	wire.VerbSyncMessage:        (*Hub).syncMessage,
	wire.VerbMessage:            (*Hub).message,
	wire.VerbNameUpdated:        (*Hub).nameUpdated,
	wire.VerbImageUpdated:       (*Hub).imageUpdated,
	wire.VerbDeleteMessage:      (*Hub).deleteMessage,
	wire.VerbUpdateChattingWith: (*Hub).updateChattingWith,
}

// dispatch runs one inbound frame. Any failure drops the frame; nothing is
// ever sent back to explain why.
func (h *Hub) dispatch(id uint64, text string) {
	s, ok := h.registry.Session(id)
	if !ok {
		return
	}
	f, err := wire.Parse(text)
	if err != nil {
		framesDropped.WithLabelValues(string(kindMalformed)).Inc()
		h.log(id).Warnf("dropping unparsable frame: %v", err)
		return
	}
	handler, ok := handlers[f.Verb]
	if !ok {
		framesDropped.WithLabelValues(string(kindMalformed)).Inc()
		h.log(id).WithField("verb", f.Verb).Warn("dropping unknown verb")
		return
	}
	framesReceived.WithLabelValues(f.Verb).Inc()

	if err := handler(h, context.Background(), s, f); err != nil {
		reason := string(kindOf(err))
		framesDropped.WithLabelValues(reason).Inc()
		entry := h.log(id).WithField("verb", f.Verb).WithField("owner", s.owner)
		if reason == string(kindStore) {
			entry.Errorf("request failed: %v", err)
		} else {
			entry.Warnf("dropping frame: %v", err)
		}
	}
}

func (h *Hub) reply(s *session, frame string) {
	h.registry.SendTo(s.id, []byte(frame))
}

func (h *Hub) replyJSON(s *session, verb string, v any) error {
	frame, err := wire.FormatJSON(verb, v)
	if err != nil {
		return err
	}
	h.reply(s, frame)
	return nil
}

// authenticate checks that token belongs to uid.
func (h *Hub) authenticate(ctx context.Context, uid uint64, token string) (*User, error) {
	if uid == 0 {
		return nil, unauthenticated("no user id")
	}
	u, err := h.store.UserByID(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return nil, unknownUser(uid)
	}
	if err != nil {
		return nil, storeFailure("user by id", err)
	}
	if !utils.TokensEqual(u.Token, token) {
		return nil, unauthenticated("token mismatch")
	}
	return u, nil
}

// requireOwner authenticates token against the user the transport is bound to.
func (h *Hub) requireOwner(ctx context.Context, s *session, token string) (*User, error) {
	if s.owner == 0 {
		return nil, unauthenticated("transport has not identified")
	}
	return h.authenticate(ctx, s.owner, token)
}

func (h *Hub) knownUser(ctx context.Context, uid uint64) (*User, error) {
	u, err := h.store.UserByID(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return nil, unknownUser(uid)
	}
	if err != nil {
		return nil, storeFailure("user by id", err)
	}
	return u, nil
}

func (h *Hub) createNewUser(ctx context.Context, s *session, f wire.Frame) error {
	var req types.FullUser
	if err := f.JSON(&req); err != nil {
		return malformed("create-new-user payload", err)
	}
	name := strings.TrimSpace(req.UserName)
	if name == "" {
		return malformed("empty user name", nil)
	}
	if _, err := cryptography.ParsePublicKey(req.RSAPublicKey); err != nil {
		return malformed("rsa public key", err)
	}
	token, err := h.newToken()
	if err != nil {
		return storeFailure("generate token", err)
	}

	u := &User{Name: name, ImageLink: req.ImageLink, Token: token, RSAPublicKey: req.RSAPublicKey}
	for attempt := 0; ; attempt++ {
		if attempt == maxIDAttempts {
			return storeFailure("allocate user id", ErrDuplicateUser)
		}
		if u.ID, err = h.newUserID(); err != nil {
			return storeFailure("generate user id", err)
		}
		err = h.store.CreateUser(ctx, u)
		if errors.Is(err, ErrDuplicateUser) {
			continue
		}
		if err != nil {
			return storeFailure("create user", err)
		}
		break
	}

	h.registry.BindOwner(s.id, u.ID)
	h.log(s.id).WithField("owner", u.ID).Info("created user")
	h.reply(s, wire.Format(wire.VerbUpdateUserID, u.ID))
	return h.replyJSON(s, wire.VerbNewUserMessage, u.Full(true))
}

func (h *Hub) reconnectUser(ctx context.Context, s *session, f wire.Frame) error {
	var info types.IDInfo
	if err := f.JSON(&info); err != nil {
		return malformed("reconnect-user payload", err)
	}
	uid := info.UserID
	if uid == 0 {
		uid = info.OwnerID
	}
	if info.OwnerID != 0 && info.OwnerID != uid {
		return malformed("owner_id and user_id differ", nil)
	}
	u, err := h.authenticate(ctx, uid, info.UserToken)
	if err != nil {
		return err
	}
	h.registry.BindOwner(s.id, u.ID)
	h.log(s.id).WithField("owner", u.ID).Info("transport identified")
	return nil
}

func (h *Hub) getUserData(ctx context.Context, s *session, f wire.Frame) error {
	uid, err := f.ID()
	if err != nil {
		return malformed("get-user-data payload", err)
	}
	u, err := h.knownUser(ctx, uid)
	if err != nil {
		return err
	}
	full := u.Full(false)
	if s.owner != 0 {
		last, err := h.lastMessage(ctx, utils.PairGroup(s.owner, uid))
		if err != nil {
			return err
		}
		full.Message = last
	}
	return h.replyJSON(s, wire.VerbGetUserData, full)
}

func (h *Hub) lastMessage(ctx context.Context, group string) (*types.MessageRecord, error) {
	n, err := h.store.LastNumber(ctx, group)
	if err != nil {
		return nil, storeFailure("last number", err)
	}
	if n == 0 {
		return nil, nil
	}
	msgs, err := h.store.Range(ctx, group, n-1, n)
	if err != nil {
		return nil, storeFailure("range", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0].MessageRecord, nil
}

func (h *Hub) messageNumber(ctx context.Context, s *session, f wire.Frame) error {
	var info types.IDInfo
	if err := f.JSON(&info); err != nil {
		return malformed("message-number payload", err)
	}
	if info.OwnerID != s.owner {
		return forbidden("owner_id is not the transport owner")
	}
	if _, err := h.requireOwner(ctx, s, info.UserToken); err != nil {
		return err
	}
	n, err := h.store.LastNumber(ctx, utils.PairGroup(info.OwnerID, info.UserID))
	if err != nil {
		return storeFailure("last number", err)
	}
	h.reply(s, wire.Format(wire.VerbMessageNumber, info.UserID, n))
	return nil
}

func (h *Hub) syncMessage(ctx context.Context, s *session, f wire.Frame) error {
	var req types.SyncRequest
	if err := f.JSON(&req); err != nil {
		return malformed("sync-message payload", err)
	}
	owner, err := h.requireOwner(ctx, s, req.UserToken)
	if err != nil {
		return err
	}
	if req.EndAt < req.StartAt {
		return malformed("end_at before start_at", nil)
	}
	group := utils.PairGroup(owner.ID, req.UserID)
	msgs, err := h.store.Range(ctx, group, req.StartAt, req.EndAt)
	if err != nil {
		return storeFailure("range", err)
	}
	last, err := h.store.LastNumber(ctx, group)
	if err != nil {
		return storeFailure("last number", err)
	}

	reply := types.SyncReply{
		MessageData:       make([]types.MessageRecord, 0, len(msgs)),
		LastMessageNumber: last,
		StartAt:           req.StartAt,
		EndsAt:            req.EndAt,
	}
	for _, m := range msgs {
		reply.MessageData = append(reply.MessageData, m.MessageRecord)
	}
	return h.replyJSON(s, wire.VerbSyncMessage, reply)
}

func (h *Hub) message(ctx context.Context, s *session, f wire.Frame) error {
	var rec types.MessageRecord
	if err := f.JSON(&rec); err != nil {
		return malformed("message payload", err)
	}
	if rec.FromUser != s.owner {
		return forbidden("from_user is not the transport owner")
	}
	if _, err := h.authenticate(ctx, rec.FromUser, rec.UserToken); err != nil {
		return err
	}
	if _, err := h.knownUser(ctx, rec.ToUser); err != nil {
		return err
	}
	if len(rec.SenderMessage) == 0 || len(rec.ReceiverMessage) == 0 ||
		len(rec.SenderKey) == 0 || len(rec.ReceiverKey) == 0 ||
		len(rec.SenderNonce) == 0 || len(rec.ReceiverNonce) == 0 {
		return malformed("message body is incomplete", nil)
	}

	group := utils.PairGroup(rec.FromUser, rec.ToUser)
	last, err := h.store.LastNumber(ctx, group)
	if err != nil {
		return storeFailure("last number", err)
	}
	rec.MessageNumber = last + 1
	rec.CreatedAt = types.NewTimestamp(h.now())
	rec.UserToken = ""

	if err := h.store.InsertMessage(ctx, &Message{Group: group, MessageRecord: rec}); err != nil {
		return storeFailure("insert message", err)
	}
	messagesStored.Inc()

	frame, err := wire.FormatJSON(wire.VerbMessage, &rec)
	if err != nil {
		return err
	}
	n := h.registry.Fanout([]byte(frame), rec.FromUser, rec.ToUser)
	fanoutFrames.Add(float64(n))
	h.log(s.id).WithField("group", group).WithField("number", rec.MessageNumber).Debugf("message fanned out to %d transports", n)
	return nil
}

// userFromToken resolves the author of a profile update. A bound transport
// may only update its own owner.
func (h *Hub) userFromToken(ctx context.Context, s *session, token string) (*User, error) {
	if token == "" {
		return nil, unauthenticated("missing token")
	}
	u, err := h.store.UserByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil, unauthenticated("unknown token")
	}
	if err != nil {
		return nil, storeFailure("user by token", err)
	}
	if s.owner != 0 && s.owner != u.ID {
		return nil, forbidden("token belongs to another user")
	}
	return u, nil
}

func (h *Hub) nameUpdated(ctx context.Context, s *session, f wire.Frame) error {
	var req types.NameUpdate
	if err := f.JSON(&req); err != nil {
		return malformed("name-updated payload", err)
	}
	name := strings.TrimSpace(req.NewName)
	if name == "" {
		return malformed("empty user name", nil)
	}
	u, err := h.userFromToken(ctx, s, req.UserToken)
	if err != nil {
		return err
	}
	if err := h.store.UpdateName(ctx, u.ID, name); err != nil {
		return storeFailure("update name", err)
	}
	h.registry.FanoutPeerOfInterest(u.ID, []byte(wire.Format(wire.VerbNameUpdated, u.ID, name)))
	return nil
}

func (h *Hub) imageUpdated(ctx context.Context, s *session, f wire.Frame) error {
	var req types.ImageUpdate
	if err := f.JSON(&req); err != nil {
		return malformed("image-updated payload", err)
	}
	u, err := h.userFromToken(ctx, s, req.UserToken)
	if err != nil {
		return err
	}
	link := req.ImageLink
	if link != nil && strings.TrimSpace(*link) == "" {
		link = nil
	}
	if err := h.store.UpdateImage(ctx, u.ID, link); err != nil {
		return storeFailure("update image", err)
	}
	frame := wire.Format(wire.VerbImageUpdated, u.ID)
	if link != nil {
		frame = wire.Format(wire.VerbImageUpdated, u.ID, *link)
	}
	h.registry.FanoutPeerOfInterest(u.ID, []byte(frame))
	return nil
}

func (h *Hub) deleteMessage(ctx context.Context, s *session, f wire.Frame) error {
	var req types.DeleteMessage
	if err := f.JSON(&req); err != nil {
		return malformed("delete-message payload", err)
	}
	owner, err := h.requireOwner(ctx, s, req.UserToken)
	if err != nil {
		return err
	}
	if req.MessageNumber == 0 {
		return malformed("message number 0", nil)
	}
	group := utils.PairGroup(owner.ID, req.UserID)
	msgs, err := h.store.Range(ctx, group, req.MessageNumber-1, req.MessageNumber)
	if err != nil {
		return storeFailure("range", err)
	}
	if len(msgs) == 0 {
		return forbidden("no such message")
	}
	if msgs[0].FromUser != owner.ID {
		return forbidden("only the sender may delete a message")
	}
	if err := h.store.SoftDelete(ctx, group, req.MessageNumber); err != nil {
		return storeFailure("soft delete", err)
	}
	frame := wire.Format(wire.VerbDeleteMessage, owner.ID, req.MessageNumber)
	n := h.registry.Fanout([]byte(frame), owner.ID, req.UserID)
	fanoutFrames.Add(float64(n))
	return nil
}

func (h *Hub) updateChattingWith(ctx context.Context, s *session, f wire.Frame) error {
	peer, err := f.ID()
	if err != nil {
		return malformed("update-chatting-with payload", err)
	}
	h.registry.SetPeer(s.id, peer)
	return nil
}
