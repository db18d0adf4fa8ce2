// Package oracle verifies that a result attestation was signed by the
// configured trusted identity.
//
// Two identity forms are accepted:
//   - a hex-encoded 32-byte ed25519 public key; signatures are 64-byte
//     ed25519 signatures over the raw message
//   - a 0x-prefixed Ethereum address; signatures are 65-byte [R||S||V]
//     secp256k1 signatures over the EIP-191 text hash of the message,
//     with V in {0,1} or {27,28}
package oracle

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/soltybet/wager-engine/internal/model"
)

// Scheme is the signature scheme implied by an identity's form.
type Scheme int

const (
	SchemeEd25519 Scheme = iota + 1
	SchemeSecp256k1
)

func (s Scheme) String() string {
	switch s {
	case SchemeEd25519:
		return "ed25519"
	case SchemeSecp256k1:
		return "secp256k1"
	}
	return "unknown"
}

// Key is a parsed oracle identity.
type Key struct {
	Scheme  Scheme
	ed      ed25519.PublicKey
	address common.Address
}

// ParseIdentity validates an identity and determines its scheme.
func ParseIdentity(id model.Identity) (Key, error) {
	s := string(id)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if !common.IsHexAddress(s) {
			return Key{}, fmt.Errorf("ethereum address %q: %w", s, model.ErrInvalidIdentity)
		}
		return Key{Scheme: SchemeSecp256k1, address: common.HexToAddress(s)}, nil
	}

	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return Key{}, fmt.Errorf("ed25519 key %q must be %d hex-encoded bytes: %w",
			s, ed25519.PublicKeySize, model.ErrInvalidIdentity)
	}
	return Key{Scheme: SchemeEd25519, ed: ed25519.PublicKey(raw)}, nil
}

// Identity returns the canonical form of the key: lowercase hex for
// ed25519 and the EIP-55 checksummed address for secp256k1.
func (k Key) Identity() model.Identity {
	if k.Scheme == SchemeSecp256k1 {
		return model.Identity(k.address.Hex())
	}
	return model.Identity(hex.EncodeToString(k.ed))
}

// Canonical parses id and returns its canonical form, so that two
// spellings of the same key compare equal.
func Canonical(id model.Identity) (model.Identity, error) {
	k, err := ParseIdentity(id)
	if err != nil {
		return "", err
	}
	return k.Identity(), nil
}

// verify reports whether sig authenticates message under k.
func (k Key) verify(message, sig []byte) bool {
	switch k.Scheme {
	case SchemeEd25519:
		if len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(k.ed, message, sig)

	case SchemeSecp256k1:
		if len(sig) != crypto.SignatureLength {
			return false
		}
		normalized := make([]byte, len(sig))
		copy(normalized, sig)
		if normalized[crypto.RecoveryIDOffset] >= 27 {
			normalized[crypto.RecoveryIDOffset] -= 27
		}
		pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
		if err != nil {
			return false
		}
		return crypto.PubkeyToAddress(*pub) == k.address
	}
	return false
}

// Verifier holds the trusted identity. It never mutates contract state;
// the caller decides what to do with the result.
type Verifier struct {
	trusted model.Identity
	key     Key
}

// NewVerifier parses trusted and returns a verifier bound to it.
func NewVerifier(trusted model.Identity) (*Verifier, error) {
	key, err := ParseIdentity(trusted)
	if err != nil {
		return nil, err
	}
	return &Verifier{trusted: key.Identity(), key: key}, nil
}

// Trusted returns the canonical identity this verifier accepts.
func (v *Verifier) Trusted() model.Identity {
	return v.trusted
}

// Verify returns true only if identity is the trusted identity and sig
// authenticates message under its key. Both checks are required. The
// identity may be in any spelling that parses to the trusted key.
func (v *Verifier) Verify(identity model.Identity, message, sig []byte) bool {
	if id, err := Canonical(identity); err != nil || id != v.trusted {
		return false
	}
	return v.key.verify(message, sig)
}
