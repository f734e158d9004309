package sshkeys

import (
	"bytes"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// PairMismatchError is returned when a public key is not the public half of
// the private key it was published with.
type PairMismatchError struct {
	PublicFingerprint  string
	PrivateFingerprint string
}

func (e *PairMismatchError) Error() string {
	return fmt.Sprintf("ssh key pair mismatch: public key %s, private key derives %s", e.PublicFingerprint, e.PrivateFingerprint)
}

// Fingerprint returns the SHA256 fingerprint (SHA256:xxx) of a public key in
// authorized_keys format.
func Fingerprint(publicKey string) (string, error) {
	if publicKey == "" {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}

	return ssh.FingerprintSHA256(parsed), nil
}

// VerifyPair checks that publicKey is the public half of privateKey.
func VerifyPair(publicKey, privateKey string) error {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return fmt.Errorf("verify pair: parse public key: %w", err)
	}
	signer, err := ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return fmt.Errorf("verify pair: %w", err)
	}
	if !bytes.Equal(parsed.Marshal(), signer.PublicKey().Marshal()) {
		return &PairMismatchError{
			PublicFingerprint:  ssh.FingerprintSHA256(parsed),
			PrivateFingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		}
	}
	return nil
}

// MakeHostKeyCallback returns a callback that records the remote host key
// fingerprint in *actual. A fingerprint that differs from a non-empty expected
// value is logged, not rejected: VNF hosts regenerate host keys on rebuild.
func MakeHostKeyCallback(expectedFingerprint string, logger *zap.Logger) (ssh.HostKeyCallback, *string) {
	var actual string
	cb := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual = ssh.FingerprintSHA256(key)
		if expectedFingerprint != "" && expectedFingerprint != actual && logger != nil {
			logger.Warn("host key fingerprint changed",
				zap.String("host", hostname),
				zap.String("expected", expectedFingerprint),
				zap.String("actual", actual))
		}
		return nil
	}
	return cb, &actual
}
