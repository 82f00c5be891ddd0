package main

import (
	"crypto/rsa"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheRustyPickle/Chirp-sub000/cryptography"
	"github.com/TheRustyPickle/Chirp-sub000/types"
	"github.com/TheRustyPickle/Chirp-sub000/wire"
)

var (
	keysOnce sync.Once
	testRSA  [3]*rsa.PrivateKey
)

func testKeys(t *testing.T) [3]*rsa.PrivateKey {
	t.Helper()
	keysOnce.Do(func() {
		for i := range testRSA {
			k, err := cryptography.GenerateKeyPair()
			if err != nil {
				panic(err)
			}
			testRSA[i] = k
		}
	})
	return testRSA
}

type fakeSender struct {
	mu     sync.Mutex
	frames []string
	closed bool
	broken bool
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, string(frame))
	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// take returns and forgets everything received so far.
func (f *fakeSender) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := initDB(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	require.NoError(t, store.runMigrations())
	t.Cleanup(func() { store.Close() })
	return store
}

var testNow = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

// newTestHub returns a hub that hands out ids in the given order.
func newTestHub(t *testing.T, ids ...uint64) *Hub {
	t.Helper()
	h := NewHub(newTestStore(t))
	var (
		mu   sync.Mutex
		next int
	)
	h.newUserID = func() (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(ids) {
			return 0, errors.New("test hub ran out of ids")
		}
		id := ids[next]
		next++
		return id, nil
	}
	h.now = func() time.Time { return testNow }
	return h
}

// testClient drives one transport of the hub synchronously.
type testClient struct {
	t      *testing.T
	h      *Hub
	sender *fakeSender
	id     uint64
	user   types.FullUser
	key    *rsa.PrivateKey
}

func connect(t *testing.T, h *Hub) *testClient {
	t.Helper()
	c := &testClient{t: t, h: h, sender: &fakeSender{}}
	c.id = h.register(c.sender, "test")
	require.Equal(t, []string{wire.Format(wire.VerbUpdateSessionID, c.id)}, c.sender.take())
	return c
}

func (c *testClient) send(verb string, v any) {
	c.t.Helper()
	frame, err := wire.FormatJSON(verb, v)
	require.NoError(c.t, err)
	c.h.dispatch(c.id, frame)
}

func (c *testClient) sendRaw(frame string) {
	c.h.dispatch(c.id, frame)
}

func createUser(t *testing.T, h *Hub, name string, key *rsa.PrivateKey) *testClient {
	t.Helper()
	c := connect(t, h)
	c.key = key
	pem, err := cryptography.EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)
	c.send(wire.VerbCreateNewUser, types.FullUser{UserName: name, RSAPublicKey: pem})

	frames := c.sender.take()
	require.Len(t, frames, 2)
	idFrame, err := wire.Parse(frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.VerbUpdateUserID, idFrame.Verb)

	userFrame, err := wire.Parse(frames[1])
	require.NoError(t, err)
	require.Equal(t, wire.VerbNewUserMessage, userFrame.Verb)
	require.NoError(t, userFrame.JSON(&c.user))
	require.Equal(t, idFrame.Payload, strconv.FormatUint(c.user.UserID, 10))
	return c
}

// reconnect opens another transport for the same user.
func (c *testClient) reconnect() *testClient {
	c.t.Helper()
	other := connect(c.t, c.h)
	other.user = c.user
	other.key = c.key
	other.send(wire.VerbReconnectUser, types.IDInfo{
		OwnerID:   c.user.UserID,
		UserID:    c.user.UserID,
		UserToken: c.user.UserToken,
	})
	require.Empty(c.t, other.sender.take())
	return other
}

func (c *testClient) record(to *testClient, text string) types.MessageRecord {
	c.t.Helper()
	env, err := cryptography.Encrypt([]byte(text), &c.key.PublicKey, &to.key.PublicKey)
	require.NoError(c.t, err)
	rec := types.MessageRecord{
		FromUser:  c.user.UserID,
		ToUser:    to.user.UserID,
		UserToken: c.user.UserToken,
	}
	env.Apply(&rec)
	return rec
}

func (c *testClient) sendMessage(to *testClient, text string) {
	c.t.Helper()
	c.send(wire.VerbMessage, c.record(to, text))
}

// messages decodes every /message frame received and fails on anything else.
func (c *testClient) messages() []types.MessageRecord {
	c.t.Helper()
	var out []types.MessageRecord
	for _, raw := range c.sender.take() {
		f, err := wire.Parse(raw)
		require.NoError(c.t, err)
		require.Equal(c.t, wire.VerbMessage, f.Verb, raw)
		var rec types.MessageRecord
		require.NoError(c.t, f.JSON(&rec))
		out = append(out, rec)
	}
	return out
}
