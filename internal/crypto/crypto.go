// Package crypto seals secrets with fernet tokens: charm config secrets at
// rest in the unit database, and the private key entry in shared peer data.
package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"gorm.io/gorm"

	"github.com/charmed-osm/vyos-config/internal/database"
)

const settingKey = "fernet_key"

// ErrInvalidToken is returned when a token fails verification with the key.
var ErrInvalidToken = errors.New("decrypt: invalid token")

type Sealer struct {
	key *fernet.Key
}

// NewSealer builds a Sealer from a base64 encoded fernet key.
func NewSealer(encodedKey string) (*Sealer, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// GenerateKey returns a new encoded fernet key.
func GenerateKey() string {
	var k fernet.Key
	k.Generate()
	return k.Encode()
}

// LoadOrCreate returns the unit-local sealer, generating and storing its key
// in the settings table on first use.
func LoadOrCreate(db *gorm.DB) (*Sealer, error) {
	keyStr, err := database.GetSetting(db, settingKey)
	if errors.Is(err, database.ErrNotFound) {
		keyStr = GenerateKey()
		if err := database.SetSetting(db, settingKey, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}
	return NewSealer(keyStr)
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Open verifies and decrypts a token. Tokens never expire. An empty token
// opens to the empty string.
func (s *Sealer) Open(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0*time.Second, []*fernet.Key{s.key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}
