package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/mailguard/internal/crypto"
)

// GetTestEncryptor creates a test encryptor with a deterministic key for testing.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	base64Key := base64.StdEncoding.EncodeToString(key)

	encryptor, err := crypto.NewEncryptor(base64Key)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}
