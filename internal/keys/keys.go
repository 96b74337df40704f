// Package keys implements the key-provider capability set described in the
// component design: a loader that can hand back the archive's public and
// private Crypt4GH key material, with the concrete loading strategy chosen
// by configuration. Grounded on lega/utils/key.py's Key/C4GHFileKey split.
package keys

import (
	"fmt"

	"github.com/elixir-oslo/crypt4gh/keys"
	"golang.org/x/crypto/curve25519"
)

// Provider is the capability set every key-loader variant must satisfy.
type Provider interface {
	Public() ([32]byte, error)
	Private() ([32]byte, error)
}

// FileProvider loads a passphrase-protected Crypt4GH key file and keeps
// both halves of the keypair in memory for the process lifetime. It is the
// only variant required for correctness.
type FileProvider struct {
	pub  [32]byte
	priv [32]byte
}

// NewFileProvider opens filePath, unlocks it with passphrase, and derives
// the public key from the private scalar (the file on disk never stores
// the public half separately).
func NewFileProvider(filePath, passphrase string) (*FileProvider, error) {
	priv, err := keys.GetPrivateKey(filePath, func() ([]byte, error) { return []byte(passphrase), nil })
	if err != nil {
		return nil, fmt.Errorf("unlocking c4gh key %s: %w", filePath, err)
	}

	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving public key for %s: %w", filePath, err)
	}
	var pub [32]byte
	copy(pub[:], pubSlice)

	return &FileProvider{pub: pub, priv: priv}, nil
}

// Public returns the 32-byte public key.
func (f *FileProvider) Public() ([32]byte, error) { return f.pub, nil }

// Private returns the 32-byte private key.
func (f *FileProvider) Private() ([32]byte, error) { return f.priv, nil }

// VaultProvider stands for a key held in a remote HashiCorp Vault. Not
// implemented: NewProvider returns it without error, and each of its
// methods returns a "not implemented" error.
type VaultProvider struct{}

// Public is not implemented for VaultProvider.
func (VaultProvider) Public() ([32]byte, error) {
	return [32]byte{}, fmt.Errorf("vault key provider is not implemented")
}

// Private is not implemented for VaultProvider.
func (VaultProvider) Private() ([32]byte, error) {
	return [32]byte{}, fmt.Errorf("vault key provider is not implemented")
}

// HTTPSProvider stands for a key served by a remote HTTPS server. Not
// implemented: NewProvider returns it without error, and each of its
// methods returns a "not implemented" error.
type HTTPSProvider struct{}

// Public is not implemented for HTTPSProvider.
func (HTTPSProvider) Public() ([32]byte, error) {
	return [32]byte{}, fmt.Errorf("https key provider is not implemented")
}

// Private is not implemented for HTTPSProvider.
func (HTTPSProvider) Private() ([32]byte, error) {
	return [32]byte{}, fmt.Errorf("https key provider is not implemented")
}

// NewProvider selects a Provider variant by configuration class name, one
// of "file", "vault", "https".
func NewProvider(class, filePath, passphrase string) (Provider, error) {
	switch class {
	case "", "file":
		return NewFileProvider(filePath, passphrase)
	case "vault":
		return VaultProvider{}, nil
	case "https":
		return HTTPSProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown key provider class %q", class)
	}
}
