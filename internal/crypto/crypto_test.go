package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCMRoundTrip(t *testing.T) {
	enc, err := NewAESGCM([]byte("master-secret"))
	require.NoError(t, err)

	plaintext := []byte(`{"status":"active","notes":"confidential"}`)
	sealed, err := enc.Encrypt(plaintext, "patient")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("confidential")))

	opened, err := enc.Decrypt(sealed, "patient")
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestKeyRefsAreIsolated(t *testing.T) {
	enc, err := NewAESGCM([]byte("master-secret"))
	require.NoError(t, err)

	sealed, err := enc.Encrypt([]byte("data"), "patient")
	require.NoError(t, err)

	_, err = enc.Decrypt(sealed, "observation")
	assert.Error(t, err)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	enc, err := NewAESGCM([]byte("master-secret"))
	require.NoError(t, err)

	sealed, err := enc.Encrypt([]byte("data"), "patient")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = enc.Decrypt(sealed, "patient")
	assert.Error(t, err)
}

func TestEmptyMasterRejected(t *testing.T) {
	_, err := NewAESGCM(nil)
	assert.Error(t, err)
}

func TestNoopPassesThrough(t *testing.T) {
	var enc Noop
	out, err := enc.Encrypt([]byte("x"), "any")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
}
