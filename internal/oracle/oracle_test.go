package oracle

import (
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-ephemeral/internal/types"
)

func TestVerifyAttestation(t *testing.T) {
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(signer.Address().Hex(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	a, err := signer.Sign("SOL-USDC", now, 105)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(a); err != nil {
		t.Fatalf("valid attestation rejected: %v", err)
	}

	tampered := a
	tampered.QuantizedValue = 106
	if err := v.Verify(tampered); !errors.Is(err, types.ErrInvalidAttestation) {
		t.Fatalf("tampered value: got %v", err)
	}

	malformed := a
	malformed.Signature = "0x1234"
	if err := v.Verify(malformed); !errors.Is(err, types.ErrInvalidAttestation) {
		t.Fatalf("malformed signature: got %v", err)
	}

	other, err := GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	forged, err := other.Sign("SOL-USDC", now, 105)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(forged); !errors.Is(err, types.ErrInvalidAttestation) {
		t.Fatalf("foreign publisher: got %v", err)
	}

	stale, err := signer.Sign("SOL-USDC", now.Add(-time.Hour), 105)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(stale); !errors.Is(err, types.ErrInvalidAttestation) {
		t.Fatalf("stale attestation: got %v", err)
	}
}

func TestNewVerifierRejectsBadAddress(t *testing.T) {
	if _, err := NewVerifier("not-an-address", 0); err == nil {
		t.Fatal("expected error")
	}
}
