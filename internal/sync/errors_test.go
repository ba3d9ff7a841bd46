package sync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsOffline(t *testing.T) {
	assert.True(t, IsOffline(ErrOffline))
	assert.True(t, IsOffline(fmt.Errorf("sending: %w", ErrOffline)))
	assert.True(t, IsOffline(&CodeError{Code: CodeOffline, Msg: "other text"}))

	assert.False(t, IsOffline(&CodeError{Code: 7}))
	assert.False(t, IsOffline(errors.New("client is currently offline")))
	assert.False(t, IsOffline(nil))
}
