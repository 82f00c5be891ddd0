package main

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateUser    = errors.New("user id already exists")
	ErrDuplicateMessage = errors.New("message number already exists in group")
)

// Store is everything the hub needs from persistence. It is the sole
// authority on message numbers.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, id uint64) (*User, error)
	UserByToken(ctx context.Context, token string) (*User, error)
	UpdateName(ctx context.Context, id uint64, name string) error
	UpdateImage(ctx context.Context, id uint64, link *string) error

	InsertMessage(ctx context.Context, m *Message) error
	// LastNumber is 0 for an empty group.
	LastNumber(ctx context.Context, group string) (uint32, error)
	// Range returns records with after < number <= through, ascending.
	Range(ctx context.Context, group string, after, through uint32) ([]Message, error)
	SoftDelete(ctx context.Context, group string, number uint32) error

	Close() error
}
