// Package controller keeps a client attached to the hub. It owns the
// transport, identifies the local user, queues intents while offline,
// catches every conversation up after a reconnect and turns hub frames into
// events for the front-end.
package controller

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/katzenpost/core/worker"
	"github.com/sirupsen/logrus"
	"gopkg.in/eapache/channels.v1"

	clog "github.com/TheRustyPickle/Chirp-sub000/client/log"
	"github.com/TheRustyPickle/Chirp-sub000/client/store"
	"github.com/TheRustyPickle/Chirp-sub000/cryptography"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Identifying
	Ready
	Syncing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Identifying:
		return "identifying"
	case Ready:
		return "ready"
	case Syncing:
		return "syncing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Store is the profile persistence the controller needs.
type Store interface {
	Identity() (*store.Identity, error)
	SaveIdentity(*store.Identity) error
	Peers() ([]store.Peer, error)
	SavePeer(*store.Peer) error
}

type Config struct {
	Dialer Dialer
	Store  Store

	// Name and ImageLink are only used to create the user on first run.
	Name      string
	ImageLink *string

	// Backoff defaults to NewBackoff() when Initial is zero.
	Backoff Backoff

	// GenerateKey defaults to cryptography.GenerateKeyPair.
	GenerateKey func() (*rsa.PrivateKey, error)

	// SyncTimeout defaults to DefaultSyncTimeout.
	SyncTimeout time.Duration
}

// DefaultSyncTimeout is how long catching up may go without a reply from
// the hub before the controller gives up and reports Ready.
const DefaultSyncTimeout = 30 * time.Second

var errNoName = errors.New("controller: a name is required to create a user")

// Controller is the client transport state machine. Exported methods are
// safe to call from any goroutine; all state lives on the worker goroutine.
type Controller struct {
	worker.Worker

	cfg Config
	log *logrus.Entry

	opCh      channels.Channel
	eventCh   channels.Channel
	EventSink chan interface{}

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once

	state atomic.Int32

	transport Transport
	frames    <-chan string
	dialing   bool
	dialCh    chan dialResult
	retry     *time.Timer
	backoff   Backoff
	syncTimer *time.Timer

	keyCh       chan keyResult
	priv        *rsa.PrivateKey
	identity    *store.Identity
	firstRun    bool
	pendingID   uint64
	pendingUser *store.Identity

	peers     map[uint64]*peer
	pending   []interface{}
	syncQueue []syncRequest
	deletes   []pendingDelete
}

type dialResult struct {
	t   Transport
	err error
}

type keyResult struct {
	key *rsa.PrivateKey
	err error
}

type syncRequest struct {
	peer       uint64
	start, end uint32
	single     bool
}

type pendingDelete struct {
	peer   uint64
	number uint32
}

// New loads the stored profile. A missing identity means the controller
// will generate a key pair and create a user on first connect.
func New(cfg Config) (*Controller, error) {
	if cfg.Dialer == nil || cfg.Store == nil {
		return nil, errors.New("controller: dialer and store are required")
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = NewBackoff()
	}
	if cfg.GenerateKey == nil {
		cfg.GenerateKey = cryptography.GenerateKeyPair
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}

	c := &Controller{
		cfg:       cfg,
		log:       clog.Logger.WithField("component", "controller"),
		opCh:      channels.NewInfiniteChannel(),
		eventCh:   channels.NewInfiniteChannel(),
		EventSink: make(chan interface{}),
		dialCh:    make(chan dialResult, 1),
		backoff:   cfg.Backoff,
		peers:     make(map[uint64]*peer),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	id, err := cfg.Store.Identity()
	switch {
	case errors.Is(err, store.ErrNotFound):
		if cfg.Name == "" {
			return nil, errNoName
		}
	case err != nil:
		return nil, fmt.Errorf("controller: load identity: %w", err)
	default:
		priv, err := cryptography.ParsePrivateKey(id.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("controller: stored private key: %w", err)
		}
		c.identity = id
		c.priv = priv
	}

	stored, err := cfg.Store.Peers()
	if err != nil {
		return nil, fmt.Errorf("controller: load peers: %w", err)
	}
	for i := range stored {
		p := c.peer(stored[i].UserID)
		p.setProfile(stored[i], c.log)
	}
	return c, nil
}

func (c *Controller) Start() {
	if c.identity == nil {
		c.keyCh = make(chan keyResult, 1)
		c.generateKey()
	}
	c.Go(c.eventSinkWorker)
	c.Go(c.worker)
}

// Shutdown closes the transport with a normal closure and stops every
// goroutine. EventSink is closed once it returns.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.Halt()
	})
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.log.Debugf("%v -> %v", old, s)
	}
}

func (c *Controller) ready() bool {
	s := c.State()
	return s == Ready || s == Syncing
}

func (c *Controller) emit(ev interface{}) {
	c.eventCh.In() <- ev
}

func (c *Controller) generateKey() {
	gen := c.cfg.GenerateKey
	ch := c.keyCh
	go func() {
		key, err := gen()
		ch <- keyResult{key: key, err: err}
	}()
}

func (c *Controller) eventSinkWorker() {
	defer func() {
		c.log.Debug("Event sink worker terminating gracefully.")
		close(c.EventSink)
	}()
	for {
		var event interface{}
		select {
		case <-c.HaltCh():
			return
		case event = <-c.eventCh.Out():
		}
		select {
		case c.EventSink <- event:
		case <-c.HaltCh():
			return
		}
	}
}

func (c *Controller) worker() {
	defer c.teardown()
	c.connect()

	for {
		var retryC, syncC <-chan time.Time
		if c.retry != nil {
			retryC = c.retry.C
		}
		if c.syncTimer != nil {
			syncC = c.syncTimer.C
		}
		select {
		case <-c.HaltCh():
			c.log.Debug("Terminating gracefully.")
			return
		case op := <-c.opCh.Out():
			c.handleOp(op)
		case res := <-c.dialCh:
			c.onDial(res)
		case frame, ok := <-c.frames:
			if !ok {
				c.log.Warn("transport closed")
				c.dropTransport(nil)
				continue
			}
			c.onFrame(frame)
		case <-retryC:
			c.retry = nil
			c.connect()
		case <-syncC:
			c.syncTimer = nil
			c.onSyncTimeout()
		case res := <-c.keyCh:
			c.onKey(res)
		}
	}
}

func (c *Controller) teardown() {
	c.stopRetry()
	c.stopSyncTimer()
	if c.transport != nil {
		c.transport.Close(CloseNormal)
		c.transport = nil
		c.frames = nil
	}
	if c.dialing {
		if res := <-c.dialCh; res.t != nil {
			res.t.Close(CloseNormal)
		}
		c.dialing = false
	}
	c.setState(Disconnected)
}

func (c *Controller) connect() {
	if c.dialing {
		return
	}
	c.stopRetry()
	c.setState(Connecting)
	c.dialing = true

	dialer, ctx, ch := c.cfg.Dialer, c.ctx, c.dialCh
	go func() {
		t, err := dialer.Dial(ctx)
		ch <- dialResult{t: t, err: err}
	}()
}

func (c *Controller) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Controller) onDial(res dialResult) {
	c.dialing = false
	if res.err != nil {
		c.log.Warnf("connect failed: %v", res.err)
		c.scheduleRetry(res.err)
		return
	}
	c.backoff.Reset()
	c.transport = res.t
	c.frames = res.t.Frames()
	c.setState(Connected)
	c.identify()
}

func (c *Controller) scheduleRetry(err error) {
	wait := c.backoff.Next()
	c.setState(Disconnected)
	c.retry = time.NewTimer(wait)
	c.log.Infof("reconnecting in %v", wait)
	c.emit(&ReconnectingEvent{Err: err, Wait: wait})
}

// dropTransport forgets the current transport and everything tied to it,
// then arms the reconnect timer.
func (c *Controller) dropTransport(err error) {
	if c.transport != nil {
		c.transport.Close(CloseNormal)
	}
	c.detach()
	c.scheduleRetry(err)
}

func (c *Controller) detach() {
	c.transport = nil
	c.frames = nil
	c.syncQueue = nil
	c.deletes = nil
	c.stopSyncTimer()
	c.pendingID = 0
	c.pendingUser = nil
	for _, p := range c.peers {
		p.syncing = false
		p.synced = false
		p.requested = false
	}
}

func (c *Controller) reload() {
	c.log.Info("reload requested")
	if c.dialing {
		return
	}
	if c.transport != nil {
		c.transport.Close(CloseNormal)
		c.detach()
	}
	c.connect()
}

func (c *Controller) onKey(res keyResult) {
	if res.err != nil {
		c.log.Errorf("key generation failed, retrying: %v", res.err)
		c.generateKey()
		return
	}
	c.keyCh = nil
	c.priv = res.key
	if c.State() == Connected {
		c.identify()
	}
}

// send hands frame to the transport. A failed write is a transport failure.
func (c *Controller) send(frame string) bool {
	if c.transport == nil {
		return false
	}
	if err := c.transport.Send(frame); err != nil {
		c.log.Warnf("send failed: %v", err)
		c.dropTransport(err)
		return false
	}
	return true
}

func (c *Controller) enterReady() {
	c.setState(Ready)
	c.emit(&IdentityEvent{UserID: c.identity.UserID, Name: c.identity.Name, FirstRun: c.firstRun})
	c.firstRun = false

	c.drain()
	if !c.ready() {
		return
	}
	for _, p := range c.sortedPeers() {
		if p.pub == nil && len(p.waiting) > 0 {
			c.requestUser(p)
		}
	}
	for _, p := range c.sortedPeers() {
		c.startSync(p)
	}
	if c.State() == Ready {
		c.emit(&SyncCompleteEvent{})
	}
}

func (c *Controller) drain() {
	for len(c.pending) > 0 && c.ready() {
		op := c.pending[0]
		c.pending = c.pending[1:]
		c.execute(op)
	}
}

func (c *Controller) requeue(op interface{}) {
	c.pending = append([]interface{}{op}, c.pending...)
}

func (c *Controller) peer(uid uint64) *peer {
	p, ok := c.peers[uid]
	if !ok {
		p = newPeer(uid)
		c.peers[uid] = p
	}
	return p
}

func (c *Controller) sortedPeers() []*peer {
	out := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Controller) savePeer(p *peer) {
	rec := p.record()
	if err := c.cfg.Store.SavePeer(&rec); err != nil {
		c.log.Errorf("failed to save peer %d: %v", p.id, err)
	}
}
