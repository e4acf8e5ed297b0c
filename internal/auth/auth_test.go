package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	s := NewService("test-secret", time.Hour)
	s.RegisterAPICredentials("alice", "alice-secret")
	s.RegisterInternalCredentials("operator", "operator-secret")

	if _, err := s.GenerateToken(Credentials{APIKey: "alice", APISecret: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	tok, err := s.GenerateToken(Credentials{APIKey: "alice", APISecret: "alice-secret"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.ValidateToken(tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.ClientID != "alice" {
		t.Fatalf("client id = %s", claims.ClientID)
	}
	if claims.HasPermission(PermissionInternal) {
		t.Fatal("trading credentials must not grant internal access")
	}

	tok, err = s.GenerateToken(Credentials{APIKey: "operator", APISecret: "operator-secret"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err = s.ValidateToken(tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if !claims.HasPermission(PermissionInternal) {
		t.Fatal("operator token should carry the internal permission")
	}

	other := NewService("other-secret", time.Hour)
	if _, err := other.ValidateToken(tok.Token); err == nil {
		t.Fatal("token signed with another secret must not validate")
	}
}
