package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampWireFormat(t *testing.T) {
	ts := NewTimestamp(time.Date(2024, 3, 9, 14, 5, 7, 123456789, time.UTC))
	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2024-03-09 14:05:07.123 +0000"`, string(data))

	var back Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2024-03-09 20:05:07.123 +0600"`), &back))
	assert.True(t, back.Equal(ts.Time))

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &back))
}

func TestMessageRecordOmitsClearedBody(t *testing.T) {
	rec := MessageRecord{
		CreatedAt:       NewTimestamp(time.Unix(0, 0)),
		FromUser:        7,
		ToUser:          9,
		MessageNumber:   3,
		SenderMessage:   []byte("a"),
		ReceiverMessage: []byte("b"),
		SenderKey:       []byte("c"),
		ReceiverKey:     []byte("d"),
		SenderNonce:     []byte("e"),
		ReceiverNonce:   []byte("f"),
	}
	data, err := json.Marshal(&rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sender_message":"YQ=="`)
	assert.False(t, rec.IsDeleted())

	rec.ClearBody()
	assert.True(t, rec.IsDeleted())
	data, err = json.Marshal(&rec)
	require.NoError(t, err)
	for _, field := range []string{"sender_message", "receiver_message", "sender_key", "receiver_key", "sender_nonce", "receiver_nonce"} {
		assert.False(t, strings.Contains(string(data), field), field)
	}
	assert.Contains(t, string(data), `"message_number":3`)
}

func TestMessageRecordPeer(t *testing.T) {
	rec := MessageRecord{FromUser: 7, ToUser: 9}
	assert.Equal(t, uint64(9), rec.Peer(7))
	assert.Equal(t, uint64(7), rec.Peer(9))
}

func TestFullUserLargeID(t *testing.T) {
	in := `{"user_id":9223372036854775807,"user_name":"A","user_token":"","rsa_public_key":"pem"}`
	var u FullUser
	require.NoError(t, json.Unmarshal([]byte(in), &u))
	assert.Equal(t, uint64(9223372036854775807), u.UserID)
	assert.Nil(t, u.ImageLink)
	assert.Nil(t, u.Message)
}
