package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheRustyPickle/Chirp-sub000/cryptography"
	"github.com/TheRustyPickle/Chirp-sub000/types"
	"github.com/TheRustyPickle/Chirp-sub000/utils"
	"github.com/TheRustyPickle/Chirp-sub000/wire"
)

// twoUsers builds the usual fixture: A is user 7, B is user 9.
func twoUsers(t *testing.T, extraIDs ...uint64) (*Hub, *testClient, *testClient) {
	keys := testKeys(t)
	h := newTestHub(t, append([]uint64{7, 9}, extraIDs...)...)
	a := createUser(t, h, "A", keys[0])
	b := createUser(t, h, "B", keys[1])
	return h, a, b
}

func TestCreateNewUser(t *testing.T) {
	keys := testKeys(t)
	h := newTestHub(t, 7)
	c := connect(t, h)
	pem, err := cryptography.EncodePublicKey(&keys[0].PublicKey)
	require.NoError(t, err)

	c.send(wire.VerbCreateNewUser, types.FullUser{UserName: "A", RSAPublicKey: pem})
	frames := c.sender.take()
	require.Len(t, frames, 2)
	assert.Equal(t, "/update-user-id 7", frames[0])
	require.True(t, strings.HasPrefix(frames[1], wire.VerbNewUserMessage+" "))

	f, err := wire.Parse(frames[1])
	require.NoError(t, err)
	var u types.FullUser
	require.NoError(t, f.JSON(&u))
	assert.Equal(t, uint64(7), u.UserID)
	assert.Equal(t, "A", u.UserName)
	assert.Len(t, u.UserToken, 2*utils.TokenSize)
	assert.Equal(t, pem, u.RSAPublicKey)

	assert.Equal(t, []uint64{c.id}, h.registry.Transports(7))
	stored, err := h.store.UserByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, u.UserToken, stored.Token)
}

func TestCreateNewUserRetriesCollidingID(t *testing.T) {
	keys := testKeys(t)
	h := newTestHub(t, 7, 7, 9)
	createUser(t, h, "A", keys[0])
	b := createUser(t, h, "B", keys[1])
	assert.Equal(t, uint64(9), b.user.UserID)
}

func TestCreateNewUserRejectsBadInput(t *testing.T) {
	keys := testKeys(t)
	h := newTestHub(t, 7, 9)
	c := connect(t, h)
	pem, err := cryptography.EncodePublicKey(&keys[0].PublicKey)
	require.NoError(t, err)

	c.send(wire.VerbCreateNewUser, types.FullUser{UserName: "  ", RSAPublicKey: pem})
	c.send(wire.VerbCreateNewUser, types.FullUser{UserName: "A", RSAPublicKey: "not a key"})
	c.sendRaw(wire.VerbCreateNewUser + " {broken")
	c.sendRaw(wire.VerbCreateNewUser)

	assert.Empty(t, c.sender.take())
	_, err = h.store.UserByID(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageFanout(t *testing.T) {
	h, a, b := twoUsers(t, 11)
	bystander := createUser(t, h, "C", testKeys(t)[2])

	a.sendMessage(b, "hello")

	fromA := a.messages()
	fromB := b.messages()
	require.Len(t, fromA, 1)
	require.Len(t, fromB, 1)
	assert.Empty(t, bystander.sender.take())
	assert.Equal(t, fromA[0], fromB[0])

	rec := fromB[0]
	assert.Equal(t, uint32(1), rec.MessageNumber)
	assert.Equal(t, uint64(7), rec.FromUser)
	assert.Equal(t, uint64(9), rec.ToUser)
	assert.Empty(t, rec.UserToken)
	assert.True(t, rec.CreatedAt.Equal(testNow))

	text, _, err := cryptography.Decrypt(&rec, b.key, cryptography.RoleReceiver, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	text, _, err = cryptography.Decrypt(&rec, a.key, cryptography.RoleSender, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestMessageReachesEveryTransportOnce(t *testing.T) {
	_, a, b := twoUsers(t)
	b2 := b.reconnect()

	a.sendMessage(b, "hello")

	assert.Len(t, a.messages(), 1)
	first := b.messages()
	second := b2.messages()
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0], second[0])
}

func TestSelfMessageDeliveredOnce(t *testing.T) {
	_, a, _ := twoUsers(t)
	a2 := a.reconnect()

	a.sendMessage(a, "note to self")

	mine := a.messages()
	require.Len(t, mine, 1)
	assert.Len(t, a2.messages(), 1)
	assert.Equal(t, "7@7", utils.PairGroup(mine[0].FromUser, mine[0].ToUser))
}

func TestMessageNumbersAreDense(t *testing.T) {
	h, a, b := twoUsers(t)
	for i := 0; i < 6; i++ {
		if i%2 == 0 {
			a.sendMessage(b, "ping")
		} else {
			b.sendMessage(a, "pong")
		}
	}

	ctx := context.Background()
	group := utils.PairGroup(7, 9)
	last, err := h.store.LastNumber(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), last)

	msgs, err := h.store.Range(ctx, group, 0, last)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, m := range msgs {
		assert.Equal(t, uint32(i+1), m.MessageNumber)
	}
}

func TestMessageRejected(t *testing.T) {
	keys := testKeys(t)

	cases := []struct {
		name   string
		mutate func(rec *types.MessageRecord)
	}{
		{"bad token", func(rec *types.MessageRecord) { rec.UserToken = strings.Repeat("0", 64) }},
		{"missing token", func(rec *types.MessageRecord) { rec.UserToken = "" }},
		{"forged sender", func(rec *types.MessageRecord) { rec.FromUser = 9 }},
		{"unknown receiver", func(rec *types.MessageRecord) { rec.ToUser = 404 }},
		{"empty body", func(rec *types.MessageRecord) { rec.ReceiverMessage = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHub(t, 7, 9)
			a := createUser(t, h, "A", keys[0])
			b := createUser(t, h, "B", keys[1])

			rec := a.record(b, "hello")
			tc.mutate(&rec)
			a.send(wire.VerbMessage, rec)

			assert.Empty(t, a.sender.take())
			assert.Empty(t, b.sender.take())
			last, err := h.store.LastNumber(context.Background(), utils.PairGroup(7, 9))
			require.NoError(t, err)
			assert.Zero(t, last)
		})
	}
}

func TestMessageFromUnboundTransport(t *testing.T) {
	h, a, b := twoUsers(t)
	anon := connect(t, h)
	anon.user = a.user
	anon.key = a.key

	anon.sendMessage(b, "hello")

	assert.Empty(t, anon.sender.take())
	assert.Empty(t, a.sender.take())
	assert.Empty(t, b.sender.take())
}

func TestReconnectAndMessageNumber(t *testing.T) {
	h, a, b := twoUsers(t)
	a.sendMessage(b, "hello")
	a.messages()
	b.messages()

	h.unregister(a.id)
	assert.True(t, a.sender.isClosed())
	assert.Empty(t, h.registry.Transports(7))

	again := a.reconnect()
	assert.Equal(t, []uint64{again.id}, h.registry.Transports(7))

	again.send(wire.VerbMessageNumber, types.IDInfo{OwnerID: 7, UserID: 9, UserToken: a.user.UserToken})
	assert.Equal(t, []string{"/message-number 9 1"}, again.sender.take())
}

func TestReconnectBadToken(t *testing.T) {
	h, a, _ := twoUsers(t)
	c := connect(t, h)

	c.send(wire.VerbReconnectUser, types.IDInfo{OwnerID: 7, UserID: 7, UserToken: strings.Repeat("0", 64)})
	c.send(wire.VerbReconnectUser, types.IDInfo{OwnerID: 404, UserID: 404, UserToken: a.user.UserToken})

	assert.Empty(t, c.sender.take())
	s, ok := h.registry.Session(c.id)
	require.True(t, ok)
	assert.Zero(t, s.owner)
}

func TestMessageNumberRequiresOwner(t *testing.T) {
	h, a, b := twoUsers(t)
	a.sendMessage(b, "hello")
	a.messages()
	b.messages()

	b.send(wire.VerbMessageNumber, types.IDInfo{OwnerID: 7, UserID: 9, UserToken: b.user.UserToken})
	b.send(wire.VerbMessageNumber, types.IDInfo{OwnerID: 9, UserID: 7, UserToken: a.user.UserToken})
	assert.Empty(t, b.sender.take())

	anon := connect(t, h)
	anon.send(wire.VerbMessageNumber, types.IDInfo{OwnerID: 7, UserID: 9, UserToken: a.user.UserToken})
	assert.Empty(t, anon.sender.take())

	b.send(wire.VerbMessageNumber, types.IDInfo{OwnerID: 9, UserID: 7, UserToken: b.user.UserToken})
	assert.Equal(t, []string{"/message-number 7 1"}, b.sender.take())
}

func syncReply(t *testing.T, c *testClient, req types.SyncRequest) types.SyncReply {
	t.Helper()
	c.send(wire.VerbSyncMessage, req)
	frames := c.sender.take()
	require.Len(t, frames, 1)
	f, err := wire.Parse(frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.VerbSyncMessage, f.Verb)
	var reply types.SyncReply
	require.NoError(t, f.JSON(&reply))
	return reply
}

func TestSyncWindow(t *testing.T) {
	_, a, b := twoUsers(t)
	for i := 0; i < 5; i++ {
		a.sendMessage(b, "hello")
	}
	a.messages()
	b.messages()

	req := types.SyncRequest{UserID: 9, StartAt: 2, EndAt: 5, UserToken: a.user.UserToken}
	reply := syncReply(t, a, req)
	assert.Equal(t, uint32(5), reply.LastMessageNumber)
	assert.Equal(t, uint32(2), reply.StartAt)
	assert.Equal(t, uint32(5), reply.EndsAt)
	require.Len(t, reply.MessageData, 3)
	for i, rec := range reply.MessageData {
		assert.Equal(t, uint32(i+3), rec.MessageNumber)
		text, _, err := cryptography.Decrypt(&rec, a.key, cryptography.RoleSender, nil)
		require.NoError(t, err)
		assert.Equal(t, "hello", text)
	}

	assert.Equal(t, reply, syncReply(t, a, req))
}

func TestSyncEmptyGroup(t *testing.T) {
	_, a, _ := twoUsers(t)
	a.send(wire.VerbSyncMessage, types.SyncRequest{UserID: 9, StartAt: 0, EndAt: 0, UserToken: a.user.UserToken})

	frames := a.sender.take()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], `"message_data":[]`)
}

func TestSyncRequiresToken(t *testing.T) {
	_, a, b := twoUsers(t)
	a.sendMessage(b, "hello")
	a.messages()

	a.send(wire.VerbSyncMessage, types.SyncRequest{UserID: 9, StartAt: 0, EndAt: 1, UserToken: b.user.UserToken})
	a.send(wire.VerbSyncMessage, types.SyncRequest{UserID: 9, StartAt: 1, EndAt: 0, UserToken: a.user.UserToken})
	assert.Empty(t, a.sender.take())
}

func TestSoftDelete(t *testing.T) {
	h, a, b := twoUsers(t)
	for i := 0; i < 5; i++ {
		a.sendMessage(b, "hello")
	}
	a.messages()
	b.messages()

	a.send(wire.VerbDeleteMessage, types.DeleteMessage{UserID: 9, MessageNumber: 3, UserToken: a.user.UserToken})
	assert.Equal(t, []string{"/delete-message 7 3"}, a.sender.take())
	assert.Equal(t, []string{"/delete-message 7 3"}, b.sender.take())

	last, err := h.store.LastNumber(context.Background(), utils.PairGroup(7, 9))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), last)

	reply := syncReply(t, b, types.SyncRequest{UserID: 7, StartAt: 2, EndAt: 3, UserToken: b.user.UserToken})
	require.Len(t, reply.MessageData, 1)
	rec := reply.MessageData[0]
	assert.Equal(t, uint32(3), rec.MessageNumber)
	assert.True(t, rec.IsDeleted())
	_, _, err = cryptography.Decrypt(&rec, b.key, cryptography.RoleReceiver, nil)
	assert.ErrorIs(t, err, cryptography.ErrDeleted)
}

func TestDeleteOnlyBySender(t *testing.T) {
	h, a, b := twoUsers(t)
	a.sendMessage(b, "hello")
	a.messages()
	b.messages()

	b.send(wire.VerbDeleteMessage, types.DeleteMessage{UserID: 7, MessageNumber: 1, UserToken: b.user.UserToken})
	a.send(wire.VerbDeleteMessage, types.DeleteMessage{UserID: 9, MessageNumber: 2, UserToken: a.user.UserToken})
	a.send(wire.VerbDeleteMessage, types.DeleteMessage{UserID: 9, MessageNumber: 1, UserToken: b.user.UserToken})

	assert.Empty(t, a.sender.take())
	assert.Empty(t, b.sender.take())
	msgs, err := h.store.Range(context.Background(), utils.PairGroup(7, 9), 0, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsDeleted())
}

func TestGetUserData(t *testing.T) {
	h, a, b := twoUsers(t)
	a.sendMessage(b, "hello")
	a.messages()
	b.messages()

	a.sendRaw("/get-user-data 9")
	frames := a.sender.take()
	require.Len(t, frames, 1)
	f, err := wire.Parse(frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.VerbGetUserData, f.Verb)
	var u types.FullUser
	require.NoError(t, f.JSON(&u))
	assert.Equal(t, uint64(9), u.UserID)
	assert.Equal(t, "B", u.UserName)
	assert.Empty(t, u.UserToken)
	assert.Equal(t, b.user.RSAPublicKey, u.RSAPublicKey)
	require.NotNil(t, u.Message)
	assert.Equal(t, uint32(1), u.Message.MessageNumber)

	anon := connect(t, h)
	anon.sendRaw("/get-user-data 9")
	frames = anon.sender.take()
	require.Len(t, frames, 1)
	assert.NotContains(t, frames[0], `"message"`)
	assert.NotContains(t, frames[0], b.user.UserToken)

	anon.sendRaw("/get-user-data 404")
	anon.sendRaw("/get-user-data nine")
	assert.Empty(t, anon.sender.take())
}

func TestProfileUpdatesReachPeerOfInterest(t *testing.T) {
	h, a, b := twoUsers(t, 11)
	c := createUser(t, h, "C", testKeys(t)[2])
	c.sendRaw("/update-chatting-with 7")
	b.sendRaw("/update-chatting-with 11")

	a.send(wire.VerbNameUpdated, types.NameUpdate{NewName: "Alice Smith", UserToken: a.user.UserToken})
	assert.Equal(t, []string{"/name-updated 7 Alice Smith"}, c.sender.take())
	assert.Empty(t, b.sender.take())
	assert.Empty(t, a.sender.take())

	stored, err := h.store.UserByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", stored.Name)

	link := "https://example.com/a.png"
	a.send(wire.VerbImageUpdated, types.ImageUpdate{ImageLink: &link, UserToken: a.user.UserToken})
	assert.Equal(t, []string{"/image-updated 7 " + link}, c.sender.take())

	a.send(wire.VerbImageUpdated, types.ImageUpdate{UserToken: a.user.UserToken})
	assert.Equal(t, []string{"/image-updated 7"}, c.sender.take())
	stored, err = h.store.UserByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, stored.ImageLink)
}

func TestProfileUpdateRejected(t *testing.T) {
	h, a, b := twoUsers(t)
	b.sendRaw("/update-chatting-with 7")

	a.send(wire.VerbNameUpdated, types.NameUpdate{NewName: "Mallory", UserToken: strings.Repeat("0", 64)})
	a.send(wire.VerbNameUpdated, types.NameUpdate{NewName: "Mallory", UserToken: b.user.UserToken})
	a.send(wire.VerbNameUpdated, types.NameUpdate{NewName: " ", UserToken: a.user.UserToken})
	assert.Empty(t, b.sender.take())

	stored, err := h.store.UserByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "A", stored.Name)
}

func TestDispatchDropsGarbage(t *testing.T) {
	h, a, _ := twoUsers(t)
	for _, frame := range []string{"", "hello", "/", "/no-such-verb 1", "/message {", "/update-chatting-with x"} {
		a.sendRaw(frame)
	}
	assert.Empty(t, a.sender.take())

	// Frames for transports that have gone away are ignored.
	h.unregister(a.id)
	a.sendRaw("/get-user-data 9")
	assert.Empty(t, a.sender.take())
}
