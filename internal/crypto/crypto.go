// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// feedchat crypto
//
// - ed25519 identities for nodes and feeds
// - SHA3-256 for discovery keys and entry digests
// - transport confidentiality is left to QUIC/TLS 1.3
// -----------------------------------------------------------------------------

const (
	KeySize       = 32
	SignatureSize = ed25519.SignatureSize

	topicLabel = "feedchat:topic:"
	entryLabel = "feedchat:entry:"
)

var (
	ErrBadKeySize = errors.New("bad key size")
	ErrEmptyKey   = errors.New("empty key")
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// DiscoveryKey hides the raw topic from peers that never joined it.
func DiscoveryKey(topic []byte) []byte {
	buf := make([]byte, 0, len(topicLabel)+len(topic))
	buf = append(buf, topicLabel...)
	buf = append(buf, topic...)
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// Random keys
// -----------------------------------------------------------------------------

func RandomKey() ([]byte, error) {
	buf := make([]byte, KeySize)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func RandomKeyHex() (string, error) {
	k, err := RandomKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(k), nil
}

// DecodeKeyHex accepts exactly KeySize bytes of hex.
func DecodeKeyHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBadKeySize, len(b), KeySize)
	}
	return b, nil
}

// -----------------------------------------------------------------------------
// ed25519 identities
// -----------------------------------------------------------------------------

func GenKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func entryDigest(index uint64, value []byte) []byte {
	buf := make([]byte, 0, len(entryLabel)+8+len(value))
	buf = append(buf, entryLabel...)
	buf = binary.BigEndian.AppendUint64(buf, index)
	buf = append(buf, value...)
	return SHA3_256(buf)
}

// SignEntry binds a value to its position in a feed.
func SignEntry(priv ed25519.PrivateKey, index uint64, value []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrBadKeySize
	}
	return ed25519.Sign(priv, entryDigest(index, value)), nil
}

func VerifyEntry(pub ed25519.PublicKey, index uint64, value, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, entryDigest(index, value), sig)
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if len(pub) == 0 || len(priv) == 0 {
		return ErrEmptyKey
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}

	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return ed25519.PublicKey(pub), ed25519.PrivateKey(priv), nil
}
