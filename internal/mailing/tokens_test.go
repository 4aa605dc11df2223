package mailing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner("secret")
	uid := UID("contact-42")
	token := s.Token("nl-1", "contact-42")
	assert.Len(t, token, tokenLength)

	id, err := s.Verify("nl-1", uid, token)
	require.NoError(t, err)
	assert.Equal(t, "contact-42", id)
}

func TestSignerRejects(t *testing.T) {
	s := NewSigner("secret")
	token := s.Token("nl-1", "contact-42")

	_, err := s.Verify("nl-2", UID("contact-42"), token)
	assert.ErrorIs(t, err, ErrBadToken)

	_, err = s.Verify("nl-1", UID("contact-43"), token)
	assert.ErrorIs(t, err, ErrBadToken)

	_, err = NewSigner("other").Verify("nl-1", UID("contact-42"), token)
	assert.ErrorIs(t, err, ErrBadToken)

	_, err = s.Verify("nl-1", "%%%", token)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestUniqueKey(t *testing.T) {
	key, err := UniqueKey(16, "xyz")
	require.NoError(t, err)
	assert.Regexp(t, `^[xyz]{16}$`, key)

	key, err = UniqueKey(0, "xyz")
	require.NoError(t, err)
	assert.Empty(t, key)
}
