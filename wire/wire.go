// Package wire implements the line framed command set spoken between the
// hub and its clients. Every text frame carries exactly one command: a verb
// starting with '/' followed, after one space, by an optional payload which
// is either bare tokens or a JSON object.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxFrameSize caps a single frame on the transport.
const MaxFrameSize = 1 << 20

// Client to hub verbs. Several verbs are also echoed from the hub.
const (
	VerbCreateNewUser      = "/create-new-user"
	VerbReconnectUser      = "/reconnect-user"
	VerbGetUserData        = "/get-user-data"
	VerbMessageNumber      = "/message-number"
	VerbSyncMessage        = "/sync-message"
	VerbMessage            = "/message"
	VerbNameUpdated        = "/name-updated"
	VerbImageUpdated       = "/image-updated"
	VerbDeleteMessage      = "/delete-message"
	VerbUpdateChattingWith = "/update-chatting-with"
)

// Hub only verbs.
const (
	VerbUpdateSessionID = "/update-session-id"
	VerbUpdateUserID    = "/update-user-id"
	VerbNewUserMessage  = "/new-user-message"
)

var (
	ErrEmptyFrame   = errors.New("wire: empty frame")
	ErrMissingSlash = errors.New("wire: verb must start with '/'")
	ErrNoPayload    = errors.New("wire: frame has no payload")
)

// Frame is one parsed command.
type Frame struct {
	Verb    string
	Payload string
}

// Parse splits text into its verb and payload. The payload is everything
// after the first run of whitespace following the verb.
func Parse(text string) (Frame, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Frame{}, ErrEmptyFrame
	}
	verb, payload, _ := strings.Cut(text, " ")
	if j := strings.IndexAny(verb, "\t\n\r"); j >= 0 {
		payload = verb[j+1:] + " " + payload
		verb = verb[:j]
	}
	if !strings.HasPrefix(verb, "/") || len(verb) == 1 {
		return Frame{}, ErrMissingSlash
	}
	return Frame{Verb: verb, Payload: strings.TrimSpace(payload)}, nil
}

func (f Frame) String() string {
	if f.Payload == "" {
		return f.Verb
	}
	return f.Verb + " " + f.Payload
}

// Args returns the whitespace separated payload tokens.
func (f Frame) Args() []string {
	return strings.Fields(f.Payload)
}

// ID parses the payload as a single bare numeric id.
func (f Frame) ID() (uint64, error) {
	if f.Payload == "" {
		return 0, ErrNoPayload
	}
	id, err := strconv.ParseUint(f.Payload, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wire: invalid id %q: %v", f.Payload, err)
	}
	return id, nil
}

// JSON decodes the payload into v.
func (f Frame) JSON(v any) error {
	if f.Payload == "" {
		return ErrNoPayload
	}
	if err := json.Unmarshal([]byte(f.Payload), v); err != nil {
		return fmt.Errorf("wire: invalid %s payload: %v", f.Verb, err)
	}
	return nil
}

// Format builds a frame from a verb and bare arguments.
func Format(verb string, args ...any) string {
	var b strings.Builder
	b.WriteString(verb)
	for _, a := range args {
		b.WriteByte(' ')
		fmt.Fprint(&b, a)
	}
	return b.String()
}

// FormatJSON builds a frame whose payload is v encoded as JSON.
func FormatJSON(verb string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("wire: failed to encode %s payload: %v", verb, err)
	}
	return verb + " " + string(data), nil
}
