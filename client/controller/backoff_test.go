package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	b := NewBackoff()
	want := []time.Duration{
		10 * time.Second,
		15 * time.Second,
		22500 * time.Millisecond,
		33750 * time.Millisecond,
		50625 * time.Millisecond,
	}
	for _, w := range want {
		assert.Equal(t, w, b.Next())
	}
	for i := 0; i < 10; i++ {
		b.Next()
	}
	assert.Equal(t, 300*time.Second, b.Next())

	b.Reset()
	assert.Equal(t, 10*time.Second, b.Next())
}
