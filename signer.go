package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-client/internal/nostr"
	"nostr-client/internal/types"
)

// Signing errors. ErrSigningUnavailable means no signer is configured;
// ErrUserRejected means the signer refused this particular event.
var (
	ErrSigningUnavailable = errors.New("no signing capability available")
	ErrUserRejected       = errors.New("signing rejected")
)

// Signer turns unsigned events into publishable ones. Implementations may be
// a local key, a remote signer, or a hardware device; signing can block on
// user interaction, hence the context.
type Signer interface {
	GetPublicKey() string
	SignEvent(ctx context.Context, evt types.UnsignedEvent) (*types.Event, error)
}

// LocalSigner signs with an in-memory secp256k1 key.
type LocalSigner struct {
	key    *btcec.PrivateKey
	pubkey string
}

// NewLocalSigner parses a 64-char hex private key.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(keyBytes))
	}

	key, _ := btcec.PrivKeyFromBytes(keyBytes)
	pubkey := hex.EncodeToString(schnorr.SerializePubKey(key.PubKey()))
	return &LocalSigner{key: key, pubkey: pubkey}, nil
}

// GenerateLocalSigner creates a signer with a fresh random key.
func GenerateLocalSigner() (*LocalSigner, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	pubkey := hex.EncodeToString(schnorr.SerializePubKey(key.PubKey()))
	return &LocalSigner{key: key, pubkey: pubkey}, nil
}

// GetPublicKey returns the x-only pubkey in hex.
func (s *LocalSigner) GetPublicKey() string {
	return s.pubkey
}

// SignEvent fills in pubkey, computes the canonical event ID and produces the
// Schnorr signature.
func (s *LocalSigner) SignEvent(_ context.Context, unsigned types.UnsignedEvent) (*types.Event, error) {
	tags := unsigned.Tags
	if tags == nil {
		tags = [][]string{}
	}
	evt := &types.Event{
		PubKey:    s.pubkey,
		CreatedAt: unsigned.CreatedAt,
		Kind:      unsigned.Kind,
		Tags:      tags,
		Content:   unsigned.Content,
	}
	evt.ID = nostr.ComputeEventID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return nil, fmt.Errorf("decoding event id: %w", err)
	}
	sig, err := schnorr.Sign(s.key, idBytes)
	if err != nil {
		return nil, fmt.Errorf("signing event: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt, nil
}
