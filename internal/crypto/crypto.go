// Package crypto seals connection profiles at rest with fernet. The key is
// generated on first use and kept in the settings table.
package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/tzfun/etcd-workbench/internal/database"
)

const keySetting = "profile_key"

// ErrInvalidToken means the ciphertext was not produced with the stored key.
var ErrInvalidToken = errors.New("decrypt: invalid token")

var keyMu sync.Mutex

func getKey() (*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()

	keyStr, err := database.GetSetting(keySetting)
	if err != nil {
		if !database.IsNotFound(err) {
			return nil, fmt.Errorf("load profile key: %w", err)
		}
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate profile key: %w", err)
		}
		if err := database.SetSetting(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save profile key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode profile key: %w", err)
	}
	return key, nil
}

func Encrypt(plaintext []byte) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, nil
	}
	key, err := getKey()
	if err != nil {
		return nil, err
	}
	// ttl 0: profiles never expire.
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}

// Mask hides a secret for display, keeping the last four characters.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
