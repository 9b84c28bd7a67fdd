package worker

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/agentmesh/agentmesh/libs/chain"
)

// Signer holds an agent's key material and produces signed bids with a
// strictly monotonic nonce. One signer exists per agent process; the nonce
// never repeats within its lifetime.
type Signer struct {
	mu      sync.Mutex
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address chain.Address
	nonce   uint64
}

// NewSigner generates a fresh agent keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate agent key: %w", err)
	}
	return NewSignerFromKey(priv), nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{
		priv:    priv,
		pub:     pub,
		address: chain.AddressFromPublicKey(pub),
	}
}

// Address returns the agent's account address.
func (s *Signer) Address() chain.Address {
	return s.address
}

// PublicKey returns the agent's registration key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.pub...)
}

// SignBid builds a signed bid with the next nonce.
func (s *Signer) SignBid(taskID chain.TaskID, utility int, amount int64) *chain.Bid {
	s.mu.Lock()
	s.nonce++
	nonce := s.nonce
	s.mu.Unlock()

	digest := chain.BidDigest(taskID, s.address, utility, amount, nonce)
	return &chain.Bid{
		TaskID:    taskID,
		Bidder:    s.address,
		Utility:   utility,
		Amount:    amount,
		Signature: ed25519.Sign(s.priv, digest),
		Nonce:     nonce,
	}
}

// SyncNonce raises the signer's nonce to at least last. Used after a
// restart when the chain remembers a higher nonce than the process does.
func (s *Signer) SyncNonce(last uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last > s.nonce {
		s.nonce = last
	}
}
