package net

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	clog "github.com/TheRustyPickle/Chirp-sub000/client/log"
	"github.com/TheRustyPickle/Chirp-sub000/types"
	"github.com/TheRustyPickle/Chirp-sub000/wire"
)

const (
	pingPeriod = 5 * time.Second
	pongWait   = 10 * time.Second
	writeWait  = 10 * time.Second

	inboundBuffer = 256
)

var (
	dialer     *websocket.Dialer
	dialerOnce sync.Once
	client     *http.Client
	clientOnce sync.Once
)

func getDialer() *websocket.Dialer {
	dialerOnce.Do(func() {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	})
	return dialer
}

func getHTTPClient() *http.Client {
	clientOnce.Do(func() {
		client = &http.Client{Timeout: 10 * time.Second}
	})
	return client
}

// PerformRequest runs a plain HTTP request against the hub, such as a key
// directory lookup.
func PerformRequest(req *http.Request) (*http.Response, error) {
	resp, err := getHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %v", err)
	}
	return resp, nil
}

// HTTPBase turns the gateway url into the hub's plain HTTP root:
// ws://host:8080/gateway becomes http://host:8080.
func HTTPBase(gateway string) (string, error) {
	u, err := url.Parse(gateway)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/gateway")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

// LookupUser fetches the public profile of uid from the hub's directory.
func LookupUser(ctx context.Context, base string, uid uint64) (*types.FullUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/users/%d", base, uid), nil)
	if err != nil {
		return nil, err
	}
	resp, err := PerformRequest(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user %d: %s", uid, resp.Status)
	}
	var u types.FullUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("decode user %d: %v", uid, err)
	}
	return &u, nil
}

// Conn is a websocket to the hub's gateway. It pings every pingPeriod and
// gives up when no pong arrives within pongWait.
type Conn struct {
	ws     *websocket.Conn
	frames chan string
	log    *logrus.Entry

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial opens the gateway at url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := getDialer().DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(wire.MaxFrameSize)

	c := &Conn{
		ws:     ws,
		frames: make(chan string, inboundBuffer),
		log:    clog.Logger.WithField("trace", uuid.NewString()),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	c.log.WithField("url", url).Debug("connected")
	return c, nil
}

func (c *Conn) Frames() <-chan string {
	return c.frames
}

func (c *Conn) Send(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Close sends a close frame with code and tears the socket down.
func (c *Conn) Close(code int) error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	defer c.Close(websocket.CloseGoingAway)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debugf("read failed: %v", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		select {
		case c.frames <- string(data):
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debugf("ping failed: %v", err)
				c.ws.Close()
				return
			}
		}
	}
}
