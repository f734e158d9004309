// Package sshkeys owns the unit's SSH key pair on local disk.
//
// The pair is an ED25519 key: the public half in authorized_keys format and
// the private half as a PKCS#8 PEM block. It is generated at most once per
// cluster by the leader and adopted verbatim by every other unit, so the
// KeyManager exposes both generation ([KeyManager.GenerateKey]) and adoption
// ([KeyManager.WriteKeys]).
//
// # Files
//
//   - {dir}/ssh_key      private key, mode 0600
//   - {dir}/ssh_key.pub  public key, mode 0644
//
// The directory is created with mode 0700.
//
// # Usage
//
//	km := sshkeys.NewKeyManager(dir, logger)
//	if !km.HasKey() {
//	    if !km.GenerateKey() { ... }
//	}
//	pub, err := km.GetPublicKey()
//	if errors.Is(err, sshkeys.ErrKeyNotFound) { ... }
package sshkeys
