package main

import (
	"net"

	"github.com/TheRustyPickle/Chirp-sub000/types"
)

type Config struct {
	Bind     string
	Port     string
	DBPath   string
	LogLevel string
}

func (c Config) GetBindAddress() string {
	return net.JoinHostPort(c.Bind, c.Port)
}

type User struct {
	ID           uint64
	Name         string
	ImageLink    *string
	Token        string
	RSAPublicKey string
}

// Full renders the user for the wire. The token is only included when
// withToken is set, which happens solely for the owner on creation.
func (u *User) Full(withToken bool) types.FullUser {
	full := types.FullUser{
		UserID:       u.ID,
		UserName:     u.Name,
		ImageLink:    u.ImageLink,
		RSAPublicKey: u.RSAPublicKey,
	}
	if withToken {
		full.UserToken = u.Token
	}
	return full
}

// Message is a stored record together with its pair group.
type Message struct {
	Group string
	types.MessageRecord
}
