// Package sign produces and verifies detached PGP signatures over installed
// image bytes. Keys live in an on-disk binary keyring; the keyring is loaded
// lazily so that a broken key only fails the modules that need it.
package sign

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

// ErrSigningKey marks every key-material failure: missing keyring,
// unreadable file, or a ring with no usable private key. No unsigned image
// is ever installed past this error.
var ErrSigningKey = errors.New("signing key unavailable")

// Signer signs artifacts with the first private key of a keyring. The
// keyring is read on first use and the result (entity or error) is cached
// for the lifetime of the Signer.
type Signer struct {
	keyringPath string

	once   sync.Once
	entity *openpgp.Entity
	err    error
}

// NewSigner returns a Signer over the given private keyring path. No I/O
// happens until the first Sign call.
func NewSigner(keyringPath string) *Signer {
	return &Signer{keyringPath: keyringPath}
}

// Sign writes a binary detached signature over the exact bytes of
// artifactPath to sigPath.
func (s *Signer) Sign(artifactPath, sigPath string) error {
	s.once.Do(s.load)
	if s.err != nil {
		return s.err
	}

	artifact, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("opening artifact for signing: %w", err)
	}
	defer artifact.Close()

	sig, err := os.Create(sigPath)
	if err != nil {
		return fmt.Errorf("creating signature file: %w", err)
	}
	defer sig.Close()

	if err := openpgp.DetachSign(sig, s.entity, artifact, nil); err != nil {
		return fmt.Errorf("%w: detach-sign %s: %v", ErrSigningKey, artifactPath, err)
	}
	return nil
}

func (s *Signer) load() {
	s.entity, s.err = loadPrivateEntity(s.keyringPath)
}

func loadPrivateEntity(path string) (*openpgp.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading keyring %s: %v", ErrSigningKey, path, err)
	}
	defer f.Close()

	ring, err := openpgp.ReadKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing keyring %s: %v", ErrSigningKey, path, err)
	}
	for _, e := range ring {
		if e.PrivateKey != nil {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: keyring %s holds no private key", ErrSigningKey, path)
}

// Verify checks the detached signature at sigPath against the artifact
// bytes using the keys in the given keyring.
func Verify(keyringPath, artifactPath, sigPath string) error {
	f, err := os.Open(keyringPath)
	if err != nil {
		return fmt.Errorf("%w: reading keyring %s: %v", ErrSigningKey, keyringPath, err)
	}
	defer f.Close()

	ring, err := openpgp.ReadKeyRing(f)
	if err != nil {
		return fmt.Errorf("%w: parsing keyring %s: %v", ErrSigningKey, keyringPath, err)
	}

	artifact, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("opening signed artifact: %w", err)
	}
	defer artifact.Close()

	sig, err := os.Open(sigPath)
	if err != nil {
		return fmt.Errorf("opening signature: %w", err)
	}
	defer sig.Close()

	if _, err := openpgp.CheckDetachedSignature(ring, artifact, sig); err != nil {
		return fmt.Errorf("signature verification failed for %s: %w", artifactPath, err)
	}
	return nil
}

// GenerateKeyring creates a fresh RSA keypair and writes it as a binary
// private keyring at path. Used to provision the in-tree build keys for a
// device that ships without externally managed ones.
func GenerateKeyring(path, name string) (*openpgp.Entity, error) {
	cfg := &packet.Config{RSABits: 2048}
	entity, err := openpgp.NewEntity(name, "build signing key", "", cfg)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating keyring %s: %w", path, err)
	}
	defer f.Close()

	if err := entity.SerializePrivate(f, cfg); err != nil {
		return nil, fmt.Errorf("writing keyring %s: %w", path, err)
	}
	return entity, nil
}
