package utilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_BlobRoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("a hub secret that is long enough"))
	require.NoError(t, err)

	blob, err := enc.SealBlob([]byte(`{"modules":[]}`))
	require.NoError(t, err)

	plain, err := enc.OpenBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, `{"modules":[]}`, string(plain))
}

func TestEncryptor_RejectsTamperingAndWrongKey(t *testing.T) {
	enc, err := NewEncryptor([]byte("a hub secret that is long enough"))
	require.NoError(t, err)
	other, err := NewEncryptor([]byte("some other secret entirely!!"))
	require.NoError(t, err)

	blob, err := enc.SealBlob([]byte("payload"))
	require.NoError(t, err)

	_, err = other.OpenBlob(blob)
	assert.Error(t, err)

	blob[len(blob)-1] ^= 0xff
	_, err = enc.OpenBlob(blob)
	assert.Error(t, err)

	_, err = enc.OpenBlob([]byte("short"))
	assert.Error(t, err)
}

func TestEncryptor_ShortSecret(t *testing.T) {
	_, err := NewEncryptor([]byte("short"))
	assert.Error(t, err)
}
