package controller

import (
	"time"

	"github.com/TheRustyPickle/Chirp-sub000/types"
)

// ConnectedEvent is emitted once the hub has assigned a transport id.
type ConnectedEvent struct {
	SessionID uint64
}

// ReconnectingEvent is the ws-reconnect notification. Err is the dial
// failure, nil when an established transport went away.
type ReconnectingEvent struct {
	Err  error
	Wait time.Duration
}

// IdentityEvent reports the local user once the controller is identified.
type IdentityEvent struct {
	UserID   uint64
	Name     string
	FirstRun bool
}

type MessageEvent struct {
	Peer    uint64
	Message types.DecryptedMessage
}

type MessageDeletedEvent struct {
	Peer   uint64
	Number uint32
}

type UserDataEvent struct {
	User        types.FullUser
	LastMessage *types.DecryptedMessage
}

type NameUpdatedEvent struct {
	UserID uint64
	Name   string
}

type ImageUpdatedEvent struct {
	UserID    uint64
	ImageLink *string
}

// SyncCompleteEvent is emitted when every peer has caught up after
// entering Ready.
type SyncCompleteEvent struct{}

type DecryptFailedEvent struct {
	Peer   uint64
	Number uint32
	Err    error
}
