package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Identity is the agent's long-lived Ed25519 keypair. Commit and GC
// responses are signed with it so an operator can later prove which agent
// process performed a given catalog mutation — a provenance receipt, not an
// authentication mechanism (the transport collaborator is responsible for
// authenticating the client).
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Fingerprint returns a SHA-256 fingerprint string for the public key, for
// display in operator tooling.
func (id *Identity) Fingerprint() string {
	sum := sha256.Sum256(id.PublicKey)
	return "SHA256:" + hex.EncodeToString(sum[:])
}

// Sign produces a detached Ed25519 signature over payload.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.PrivateKey, payload)
}

const (
	argon2Time      = 3
	argon2MemoryKiB = 65536
	argon2Threads   = 4
	keystoreVersion = 1
)

var errInvalidPassphrase = errors.New("invalid keystore passphrase")

type keystoreEntry struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Ciphertext []byte `json:"ciphertext"` // nonce‖ciphertext‖tag, see Seal
}

// LoadOrCreateIdentity loads the agent identity from keystorePath, creating
// a new Ed25519 keypair and persisting it (Argon2id-wrapped under
// passphrase) if none exists yet.
func LoadOrCreateIdentity(keystorePath string, passphrase []byte) (*Identity, error) {
	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating identity keypair: %w", err)
		}
		if err := saveIdentity(priv, keystorePath, passphrase); err != nil {
			return nil, err
		}
		return &Identity{PublicKey: pub, PrivateKey: priv}, nil
	}

	priv, err := loadIdentity(keystorePath, passphrase)
	if err != nil {
		return nil, err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("decoding public key from keystore")
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

func saveIdentity(priv ed25519.PrivateKey, path string, passphrase []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating keystore directory: %w", err)
	}

	salt, err := NewSalt()
	if err != nil {
		return err
	}
	derivedKey := argon2.IDKey(passphrase, salt, argon2Time, argon2MemoryKiB, argon2Threads, KeySize)

	ciphertext, err := Seal(derivedKey, priv)
	if err != nil {
		return fmt.Errorf("encrypting identity key: %w", err)
	}

	entry := keystoreEntry{Version: keystoreVersion, Salt: salt, Ciphertext: ciphertext}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling keystore entry: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

func loadIdentity(path string, passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keystore: %w", err)
	}

	var entry keystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parsing keystore: %w", err)
	}
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", entry.Version)
	}

	derivedKey := argon2.IDKey(passphrase, entry.Salt, argon2Time, argon2MemoryKiB, argon2Threads, KeySize)
	priv, err := Open(derivedKey, entry.Ciphertext)
	if err != nil {
		return nil, errInvalidPassphrase
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decrypted identity key has invalid size %d", len(priv))
	}
	return ed25519.PrivateKey(priv), nil
}
