package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the wire form of MessageRecord.CreatedAt.
const TimestampLayout = "2006-01-02 15:04:05.000 -0700"

// Timestamp is a time serialised with millisecond precision and a numeric
// zone offset. Parsed values are normalised to UTC.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp %q: %v", s, err)
	}
	return Timestamp{t.UTC()}, nil
}

func (t Timestamp) String() string {
	return t.Format(TimestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type FullUser struct {
	UserID       uint64         `json:"user_id"`
	UserName     string         `json:"user_name"`
	ImageLink    *string        `json:"image_link,omitempty"`
	UserToken    string         `json:"user_token"`
	RSAPublicKey string         `json:"rsa_public_key"`
	Message      *MessageRecord `json:"message,omitempty"`
}

// MessageRecord is one stored message carrying a ciphertext copy for each
// endpoint. Byte fields are absent once the record is soft deleted.
type MessageRecord struct {
	CreatedAt       Timestamp `json:"created_at"`
	FromUser        uint64    `json:"from_user"`
	ToUser          uint64    `json:"to_user"`
	MessageNumber   uint32    `json:"message_number"`
	SenderMessage   []byte    `json:"sender_message,omitempty"`
	ReceiverMessage []byte    `json:"receiver_message,omitempty"`
	SenderKey       []byte    `json:"sender_key,omitempty"`
	ReceiverKey     []byte    `json:"receiver_key,omitempty"`
	SenderNonce     []byte    `json:"sender_nonce,omitempty"`
	ReceiverNonce   []byte    `json:"receiver_nonce,omitempty"`
	UserToken       string    `json:"user_token"`
}

func (m *MessageRecord) IsDeleted() bool {
	return len(m.SenderMessage) == 0 && len(m.ReceiverMessage) == 0 &&
		len(m.SenderKey) == 0 && len(m.ReceiverKey) == 0 &&
		len(m.SenderNonce) == 0 && len(m.ReceiverNonce) == 0
}

// ClearBody drops all six ciphertext fields, which is how a soft deleted
// record looks on the wire.
func (m *MessageRecord) ClearBody() {
	m.SenderMessage = nil
	m.ReceiverMessage = nil
	m.SenderKey = nil
	m.ReceiverKey = nil
	m.SenderNonce = nil
	m.ReceiverNonce = nil
}

// Peer returns the other party of the record as seen by self.
func (m *MessageRecord) Peer(self uint64) uint64 {
	if m.FromUser == self {
		return m.ToUser
	}
	return m.FromUser
}

type IDInfo struct {
	OwnerID   uint64 `json:"owner_id"`
	UserID    uint64 `json:"user_id"`
	UserToken string `json:"user_token"`
}

type SyncRequest struct {
	UserID    uint64 `json:"user_id"`
	StartAt   uint32 `json:"start_at"`
	EndAt     uint32 `json:"end_at"`
	UserToken string `json:"user_token"`
}

type SyncReply struct {
	MessageData       []MessageRecord `json:"message_data"`
	LastMessageNumber uint32          `json:"last_message_number"`
	StartAt           uint32          `json:"start_at"`
	EndsAt            uint32          `json:"ends_at"`
}

type DeleteMessage struct {
	UserID        uint64 `json:"user_id"`
	MessageNumber uint32 `json:"message_number"`
	UserToken     string `json:"user_token"`
}

type ImageUpdate struct {
	ImageLink *string `json:"image_link,omitempty"`
	UserToken string  `json:"user_token"`
}

type NameUpdate struct {
	NewName   string `json:"new_name"`
	UserToken string `json:"user_token"`
}

// DecryptedMessage is the client side view of a MessageRecord. Plaintext is
// nil when the record has been soft deleted.
type DecryptedMessage struct {
	CreatedAt  time.Time
	FromUser   uint64
	ToUser     uint64
	Number     uint32
	Plaintext  *string
	UsedAESKey []byte
}

func (d *DecryptedMessage) IsDeleted() bool {
	return d.Plaintext == nil
}
