package flowerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Mindburn-Labs/tccflow/pkg/flowerr"
	"github.com/stretchr/testify/assert"
)

func TestErrorIs_MatchesByKind(t *testing.T) {
	err := flowerr.New(flowerr.KindExpired, "reveal", "commitment for %s expired", "alice")
	wrapped := fmt.Errorf("coordinator: %w", err)

	assert.ErrorIs(t, wrapped, flowerr.ErrExpired)
	assert.NotErrorIs(t, wrapped, flowerr.ErrHashMismatch)
	assert.Equal(t, flowerr.KindExpired, flowerr.KindOf(wrapped))
}

func TestKindOf_ForeignErrorIsInternal(t *testing.T) {
	assert.Equal(t, flowerr.KindInternal, flowerr.KindOf(errors.New("disk on fire")))
	assert.Equal(t, flowerr.KindNone, flowerr.KindOf(nil))
}

func TestWrap_NilStaysNil(t *testing.T) {
	assert.NoError(t, flowerr.Wrap(flowerr.KindCrypto, "decrypt", nil, "ignored"))
}

func TestError_MessageComposition(t *testing.T) {
	cause := errors.New("cipher: message authentication failed")
	err := flowerr.Wrap(flowerr.KindCrypto, "reverse", cause, "decrypt step %q", "aes_encrypt")

	assert.Equal(t, `reverse: decrypt step "aes_encrypt": cipher: message authentication failed`, err.Error())
	assert.Equal(t, `decrypt step "aes_encrypt"`, flowerr.MessageOf(err))
	assert.ErrorIs(t, err, cause)
}
