package main

import (
	"context"
	"errors"
	"time"

	"github.com/katzenpost/katzenpost/core/worker"
	"github.com/sirupsen/logrus"

	"github.com/TheRustyPickle/Chirp-sub000/types"
	"github.com/TheRustyPickle/Chirp-sub000/utils"
	"github.com/TheRustyPickle/Chirp-sub000/wire"
)

const (
	hubTickInterval = 5 * time.Second
	inboxSize       = 256
	maxIDAttempts   = 8
)

var ErrHubHalted = errors.New("hub is shutting down")

type connectRequest struct {
	sender Sender
	trace  string
	reply  chan uint64
}

type frameRequest struct {
	transport uint64
	text      string
}

type disconnectRequest struct {
	transport uint64
}

type lookupRequest struct {
	id    uint64
	reply chan lookupResult
}

type lookupResult struct {
	user *types.FullUser
	err  error
}

// Hub is the relay actor. A single goroutine owns the registry and the
// store handle, and every request is processed to completion before the
// next one is taken from the inbox.
type Hub struct {
	worker.Worker

	store    Store
	registry *Registry
	inbox    chan any
	traces   map[uint64]string

	newUserID func() (uint64, error)
	newToken  func() (string, error)
	now       func() time.Time
}

func NewHub(store Store) *Hub {
	return &Hub{
		store:     store,
		registry:  NewRegistry(),
		inbox:     make(chan any, inboxSize),
		traces:    make(map[uint64]string),
		newUserID: utils.RandomUserID,
		newToken:  utils.NewToken,
		now:       time.Now,
	}
}

func (h *Hub) Start() {
	h.Go(h.run)
}

func (h *Hub) run() {
	ticker := time.NewTicker(hubTickInterval)
	defer ticker.Stop()
	defer h.closeAll()

	for {
		select {
		case <-h.HaltCh():
			logger.Debug("hub terminating gracefully")
			return
		case req := <-h.inbox:
			h.handle(req)
		case <-ticker.C:
			liveSessions.Set(float64(h.registry.Len()))
		}
	}
}

func (h *Hub) handle(req any) {
	switch r := req.(type) {
	case *connectRequest:
		r.reply <- h.register(r.sender, r.trace)
	case *frameRequest:
		h.dispatch(r.transport, r.text)
	case *disconnectRequest:
		h.unregister(r.transport)
	case *lookupRequest:
		user, err := h.lookup(r.id)
		r.reply <- lookupResult{user: user, err: err}
	default:
		logger.Errorf("bug: unknown hub request %T", req)
	}
}

func (h *Hub) submit(req any) error {
	select {
	case <-h.HaltCh():
		return ErrHubHalted
	default:
	}
	select {
	case h.inbox <- req:
		return nil
	case <-h.HaltCh():
		return ErrHubHalted
	}
}

// Connect registers a new transport and returns its id.
func (h *Hub) Connect(s Sender, trace string) (uint64, error) {
	req := &connectRequest{sender: s, trace: trace, reply: make(chan uint64, 1)}
	if err := h.submit(req); err != nil {
		return 0, err
	}
	select {
	case id := <-req.reply:
		return id, nil
	case <-h.HaltCh():
		return 0, ErrHubHalted
	}
}

// Submit queues one inbound frame. Frames from one transport are handled in
// the order they are submitted.
func (h *Hub) Submit(transport uint64, text string) error {
	return h.submit(&frameRequest{transport: transport, text: text})
}

func (h *Hub) Disconnect(transport uint64) error {
	return h.submit(&disconnectRequest{transport: transport})
}

// LookupUser returns the public profile of a user for the key directory.
func (h *Hub) LookupUser(ctx context.Context, id uint64) (*types.FullUser, error) {
	req := &lookupRequest{id: id, reply: make(chan lookupResult, 1)}
	if err := h.submit(req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.reply:
		return res.user, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.HaltCh():
		return nil, ErrHubHalted
	}
}

func (h *Hub) register(s Sender, trace string) uint64 {
	id := h.registry.Register(s)
	h.traces[id] = trace
	h.registry.SendTo(id, []byte(wire.Format(wire.VerbUpdateSessionID, id)))
	liveSessions.Set(float64(h.registry.Len()))
	h.log(id).Info("transport connected")
	return id
}

func (h *Hub) unregister(id uint64) {
	s, ok := h.registry.Session(id)
	if !ok {
		return
	}
	h.log(id).WithField("owner", s.owner).Info("transport disconnected")
	h.registry.Unregister(id)
	delete(h.traces, id)
	s.sender.Close()
	liveSessions.Set(float64(h.registry.Len()))
}

func (h *Hub) lookup(id uint64) (*types.FullUser, error) {
	u, err := h.store.UserByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	full := u.Full(false)
	return &full, nil
}

func (h *Hub) closeAll() {
	for id, s := range h.registry.sessions {
		s.sender.Close()
		h.registry.Unregister(id)
	}
}

func (h *Hub) log(id uint64) *logrus.Entry {
	return logger.WithFields(logrus.Fields{"transport": id, "trace": h.traces[id]})
}
