package node

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"feedchat/internal/crypto"
	"feedchat/internal/peer"
)

type Node struct {
	ID      [32]byte
	PubKey  ed25519.PublicKey
	PrivKey ed25519.PrivateKey
	Peers   *peer.Store
}

type Options struct {
	PeerStorePath string
	PeerStoreCap  int
	PeerStoreTTL  time.Duration
	// Ephemeral skips the identity files and the on-disk address book.
	Ephemeral bool
}

const defaultPeerBook = "peers.jsonl"

// NewNode loads the identity under home, generating and saving one on first
// start.
func NewNode(home string, opts Options) (*Node, error) {
	var (
		pub  ed25519.PublicKey
		priv ed25519.PrivateKey
		err  error
	)
	peerPath := ""
	if opts.Ephemeral {
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(home, 0700); err != nil {
			return nil, err
		}
		pub, priv, err = crypto.LoadKeypair(home)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			pub, priv, err = crypto.GenKeypair()
			if err != nil {
				return nil, err
			}
			if err := crypto.SaveKeypair(home, pub, priv); err != nil {
				return nil, err
			}
		}
		peerPath = opts.PeerStorePath
		if peerPath == "" {
			peerPath = filepath.Join(home, defaultPeerBook)
		}
	}
	peers, err := peer.NewStore(peerPath, peer.Options{
		Cap: opts.PeerStoreCap,
		TTL: opts.PeerStoreTTL,
	})
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:      DeriveNodeID(pub),
		PubKey:  pub,
		PrivKey: priv,
		Peers:   peers,
	}, nil
}

func DeriveNodeID(pub []byte) [32]byte {
	buf := make([]byte, 0, len("feedchat:nodeid:v1")+len(pub))
	buf = append(buf, []byte("feedchat:nodeid:v1")...)
	buf = append(buf, pub...)
	sum := crypto.SHA3_256(buf)
	var id [32]byte
	copy(id[:], sum)
	return id
}

// ShortID is the display id used as the sender of peer chat frames.
func ShortID(pub []byte) string {
	if len(pub) == 0 {
		return "peer"
	}
	return hex.EncodeToString(pub)[:6]
}
