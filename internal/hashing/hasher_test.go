package hashing

import (
	"strings"
	"testing"

	"gp-session-sync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHasher() *Hasher {
	return NewHasher(config.HashingConfig{Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1})
}

func TestHashAndVerify(t *testing.T) {
	h := testHasher()

	encoded, err := h.Hash("s3cret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$"))

	ok, err := h.Verify("s3cret", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyUsesEncodedParameters(t *testing.T) {
	other := NewHasher(config.HashingConfig{Argon2MemoryCost: 2048, Argon2TimeCost: 2, Argon2Parallelism: 2})
	encoded, err := other.Hash("pw")
	require.NoError(t, err)

	ok, err := testHasher().Verify("pw", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	h := testHasher()
	cases := map[string]error{
		"plain":                                     ErrInvalidHash,
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA":    ErrInvalidHash,
		"$argon2id$v=16$m=1024,t=1,p=1$c2FsdA$aGFz": ErrIncompatibleVersion,
		"$argon2id$v=19$m=x,t=1,p=1$c2FsdA$aGFz":    ErrInvalidHash,
		"$argon2id$v=19$m=1024,t=1,p=1$!!$aGFz":     ErrInvalidHash,
	}
	for encoded, want := range cases {
		_, err := h.Verify("pw", encoded)
		assert.ErrorIs(t, err, want, encoded)
	}
}
