package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/katzenpost/katzenpost/core/worker"
	"github.com/sirupsen/logrus"
	"gopkg.in/eapache/channels.v1"

	"github.com/TheRustyPickle/Chirp-sub000/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 10 * time.Second
	pingPeriod = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender queues outbound frames for one websocket so the hub never blocks
// on a slow peer. A single writer goroutine owns the write side of conn.
type wsSender struct {
	worker.Worker

	conn  *websocket.Conn
	queue *channels.InfiniteChannel
	trace string

	mu     sync.Mutex
	closed bool
}

func newWSSender(conn *websocket.Conn, trace string) *wsSender {
	s := &wsSender{
		conn:  conn,
		queue: channels.NewInfiniteChannel(),
		trace: trace,
	}
	s.Go(s.writeLoop)
	return s
}

func (s *wsSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	s.queue.In() <- frame
	return nil
}

// Close flushes what is queued, then sends a normal closure.
func (s *wsSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue.Close()
}

func (s *wsSender) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	out := s.queue.Out()
	for {
		select {
		case v, ok := <-out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, v.([]byte)); err != nil {
				logger.WithField("trace", s.trace).Debugf("write failed: %v", err)
				s.drain(out)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.WithField("trace", s.trace).Debugf("ping failed: %v", err)
				s.drain(out)
				return
			}
		}
	}
}

// drain discards frames until the hub closes the queue so the buffer does
// not grow after the socket has died.
func (s *wsSender) drain(out <-chan interface{}) {
	s.conn.Close()
	for range out {
	}
}

func gatewayHandler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("websocket upgrade error: %v", err)
			return
		}
		trace := uuid.NewString()
		conn.SetReadLimit(wire.MaxFrameSize)

		sender := newWSSender(conn, trace)
		id, err := h.Connect(sender, trace)
		if err != nil {
			sender.Close()
			return
		}
		defer h.Disconnect(id)

		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.WithFields(logrus.Fields{"transport": id, "trace": trace}).Debugf("read failed: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))
			if kind != websocket.TextMessage {
				continue
			}
			if err := h.Submit(id, string(data)); err != nil {
				return
			}
		}
	}
}
