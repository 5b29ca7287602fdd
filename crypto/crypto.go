// Package crypto provides signing and hashing utilities for validators,
// compute miners, and coordinators.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cometbft/cometbft/crypto/ed25519"
)

// KeyPair wraps an ed25519 private key and its public half.
type KeyPair struct {
	PrivKey ed25519.PrivKey
	PubKey  ed25519.PubKey
}

// GenerateKeyPair generates a new ed25519 key pair.
func GenerateKeyPair() *KeyPair {
	priv := ed25519.GenPrivKey()
	return &KeyPair{
		PrivKey: priv,
		PubKey:  priv.PubKey().(ed25519.PubKey),
	}
}

// KeyPairFromSeed derives a deterministic key pair from a seed. Used by
// tests and by genesis tooling.
func KeyPairFromSeed(seed []byte) *KeyPair {
	priv := ed25519.GenPrivKeyFromSecret(seed)
	return &KeyPair{
		PrivKey: priv,
		PubKey:  priv.PubKey().(ed25519.PubKey),
	}
}

// Sign signs a message with the private key.
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	sig, err := kp.PrivKey.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

// PublicKeyBytes returns the raw public key bytes.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return kp.PubKey.Bytes()
}

// Verify verifies a signature over message with the given raw public key.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PubKeySize {
		return false
	}
	return ed25519.PubKey(publicKey).VerifySignature(message, signature)
}

// Hash computes the SHA256 hash of data.
func Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// HashHex computes the SHA256 hash and returns it hex encoded.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// MerkleRoot computes the Merkle root of a list of hashes. An odd level
// duplicates its last hash.
func MerkleRoot(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return nil
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([][]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		nextLevel := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := append(append([]byte{}, level[i]...), level[i+1]...)
			nextLevel[i/2] = Hash(combined)
		}
		level = nextLevel
	}

	return level[0]
}

// NodeID derives a stable node identifier from a public key: the first 20
// bytes of its hash, hex encoded.
func NodeID(publicKey []byte) string {
	return hex.EncodeToString(Hash(publicKey)[:20])
}

// Signer is the signing interface handed to the consensus engine and the
// receipt service.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
	Address() string
}

// LocalSigner implements Signer with an in-process ed25519 key pair.
type LocalSigner struct {
	keyPair *KeyPair
	address string
}

// NewLocalSigner creates a LocalSigner with a freshly generated key pair.
func NewLocalSigner() *LocalSigner {
	return NewLocalSignerFromKeyPair(GenerateKeyPair())
}

// NewLocalSignerFromKeyPair creates a LocalSigner from an existing key pair.
func NewLocalSignerFromKeyPair(kp *KeyPair) *LocalSigner {
	return &LocalSigner{
		keyPair: kp,
		address: NodeID(kp.PublicKeyBytes()),
	}
}

// Sign signs a message.
func (s *LocalSigner) Sign(message []byte) ([]byte, error) {
	return s.keyPair.Sign(message)
}

// PublicKey returns the raw public key bytes.
func (s *LocalSigner) PublicKey() []byte {
	return s.keyPair.PublicKeyBytes()
}

// Address returns the signer's derived node id.
func (s *LocalSigner) Address() string {
	return s.address
}
