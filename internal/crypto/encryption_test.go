package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		encryptor, err := NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
		require.NoError(t, err)
		assert.NotNil(t, encryptor)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := NewEncryptor("not-valid-base64!!!")
		assert.Error(t, err)
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 16)))
		assert.ErrorContains(t, err, "got 16 bytes")
	})
}

func TestSealOpenPassword(t *testing.T) {
	encryptor, err := NewEncryptor(testKey())
	require.NoError(t, err)

	testCases := []struct {
		name     string
		password string
	}{
		{"simple password", "mypassword123"},
		{"complex password", "P@ssw0rd!#$%^&*()"},
		{"empty string", ""},
		{"unicode", "пароль密码🔐"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := encryptor.SealPassword("alice@example.com_user-1", tc.password)
			require.NoError(t, err)

			opened, err := encryptor.OpenPassword("alice@example.com_user-1", sealed)
			require.NoError(t, err)
			assert.Equal(t, tc.password, opened)
		})
	}
}

func TestSealPasswordUsesFreshNonce(t *testing.T) {
	encryptor, err := NewEncryptor(testKey())
	require.NoError(t, err)

	first, err := encryptor.SealPassword("a_u", "secret")
	require.NoError(t, err)
	second, err := encryptor.SealPassword("a_u", "secret")
	require.NoError(t, err)

	assert.False(t, bytes.Equal(first, second))
}

func TestOpenPasswordRejects(t *testing.T) {
	encryptor, err := NewEncryptor(testKey())
	require.NoError(t, err)

	sealed, err := encryptor.SealPassword("alice@example.com_user-1", "secret")
	require.NoError(t, err)

	t.Run("other mailbox key", func(t *testing.T) {
		_, err := encryptor.OpenPassword("bob@example.com_user-1", sealed)
		assert.Error(t, err)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)-1] ^= 0xff
		_, err := encryptor.OpenPassword("alice@example.com_user-1", tampered)
		assert.Error(t, err)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := encryptor.OpenPassword("alice@example.com_user-1", []byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrCiphertextTooShort)
	})

	t.Run("different key", func(t *testing.T) {
		other, err := NewEncryptor(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
		require.NoError(t, err)
		_, err = other.OpenPassword("alice@example.com_user-1", sealed)
		assert.Error(t, err)
	})
}
