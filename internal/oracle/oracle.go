// Package oracle verifies signed price attestations used to authorise a
// match. An attestation is a secp256k1 signature by the configured publisher
// over keccak256(symbol || be64(timestamp_ns) || be64(quantized_value)).
package oracle

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ksred/klear-ephemeral/internal/types"
)

// Attestation is a published price observation.
type Attestation struct {
	Symbol         string `json:"symbol" binding:"required"`
	TimestampNs    int64  `json:"timestamp_ns" binding:"required"`
	QuantizedValue uint64 `json:"quantized_value" binding:"required"`
	Signature      string `json:"signature" binding:"required"`
}

// Digest is the hash the publisher signs.
func Digest(symbol string, timestampNs int64, value uint64) []byte {
	buf := make([]byte, 0, len(symbol)+16)
	buf = append(buf, symbol...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestampNs))
	buf = binary.BigEndian.AppendUint64(buf, value)
	return ethcrypto.Keccak256(buf)
}

// Verifier accepts attestations signed by one publisher address.
type Verifier struct {
	publisher common.Address
	maxAge    time.Duration
	now       func() time.Time
}

// NewVerifier returns a verifier for the hex publisher address. A zero
// maxAge accepts attestations of any age.
func NewVerifier(publisher string, maxAge time.Duration) (*Verifier, error) {
	if !common.IsHexAddress(publisher) {
		return nil, fmt.Errorf("oracle: invalid publisher address %q", publisher)
	}
	return &Verifier{
		publisher: common.HexToAddress(publisher),
		maxAge:    maxAge,
		now:       time.Now,
	}, nil
}

func (v *Verifier) Publisher() common.Address {
	return v.publisher
}

// Verify checks the signature and freshness of a.
func (v *Verifier) Verify(a Attestation) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(a.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("%w: malformed signature", types.ErrInvalidAttestation)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(Digest(a.Symbol, a.TimestampNs, a.QuantizedValue), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidAttestation, err)
	}
	if signer := ethcrypto.PubkeyToAddress(*pub); signer != v.publisher {
		return fmt.Errorf("%w: signed by %s, expected %s", types.ErrInvalidAttestation, signer.Hex(), v.publisher.Hex())
	}

	if v.maxAge > 0 {
		age := v.now().Sub(time.Unix(0, a.TimestampNs))
		if age > v.maxAge {
			return fmt.Errorf("%w: attestation is %s old", types.ErrInvalidAttestation, age.Truncate(time.Millisecond))
		}
	}
	return nil
}

// Signer produces attestations; used by publishers, the simulator and
// tests.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("oracle: invalid private key: %w", err)
	}
	return &Signer{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sign attests value for symbol at t.
func (s *Signer) Sign(symbol string, t time.Time, value uint64) (Attestation, error) {
	a := Attestation{Symbol: symbol, TimestampNs: t.UnixNano(), QuantizedValue: value}
	sig, err := ethcrypto.Sign(Digest(a.Symbol, a.TimestampNs, a.QuantizedValue), s.key)
	if err != nil {
		return Attestation{}, fmt.Errorf("oracle: signing: %w", err)
	}
	sig[64] += 27
	a.Signature = "0x" + hex.EncodeToString(sig)
	return a, nil
}
