package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "ssh_key"
	publicKeyFile  = "ssh_key.pub"
)

// ErrKeyNotFound is returned by the accessors before any key material has
// been generated or written.
var ErrKeyNotFound = errors.New("ssh key not found")

// KeyPair is the unit's SSH key material.
type KeyPair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// KeyManager checks for, generates, and persists the key pair under dir.
type KeyManager struct {
	dir    string
	logger *zap.Logger
}

func NewKeyManager(dir string, logger *zap.Logger) *KeyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{dir: dir, logger: logger.Named("sshkeys")}
}

// Dir returns the directory holding the key files.
func (m *KeyManager) Dir() string {
	return m.dir
}

// HasKey reports whether both key files exist.
func (m *KeyManager) HasKey() bool {
	if _, err := os.Stat(filepath.Join(m.dir, privateKeyFile)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(m.dir, publicKeyFile)); err != nil {
		return false
	}
	return true
}

// GenerateKey creates a new key pair and persists it, replacing any existing
// one. Failures are logged and reported as false.
func (m *KeyManager) GenerateKey() bool {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		m.logger.Error("generate key pair failed", zap.Error(err))
		return false
	}
	if err := m.save(pub, priv); err != nil {
		m.logger.Error("save key pair failed", zap.String("dir", m.dir), zap.Error(err))
		return false
	}
	fp, _ := Fingerprint(string(pub))
	m.logger.Info("generated ssh key pair", zap.String("fingerprint", fp))
	return true
}

// WriteKeys persists externally supplied key material verbatim, overwriting
// local state.
func (m *KeyManager) WriteKeys(publicKey, privateKey string) error {
	if err := m.save([]byte(publicKey), []byte(privateKey)); err != nil {
		return fmt.Errorf("write keys: %w", err)
	}
	return nil
}

func (m *KeyManager) GetPublicKey() (string, error) {
	return m.read(publicKeyFile)
}

func (m *KeyManager) GetPrivateKey() (string, error) {
	return m.read(privateKeyFile)
}

// KeyPair returns both halves of the stored key material.
func (m *KeyManager) KeyPair() (KeyPair, error) {
	pub, err := m.GetPublicKey()
	if err != nil {
		return KeyPair{}, err
	}
	priv, err := m.GetPrivateKey()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Signer parses the stored private key for SSH public key authentication.
func (m *KeyManager) Signer() (ssh.Signer, error) {
	priv, err := m.GetPrivateKey()
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey([]byte(priv))
}

func (m *KeyManager) read(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

// save writes the private key before the public key so that HasKey never
// sees a public key without its private half.
func (m *KeyManager) save(publicKey, privateKey []byte) error {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(m.dir, privateKeyFile), privateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(m.dir, publicKeyFile), publicKey, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	// WriteFile only applies perm on create.
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH-format
// public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
