package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		Sub:  "usr_1",
		Name: "Maya",
		Role: "user",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.Name != claims.Name || parsed.Role != claims.Role {
		t.Fatalf("claims mismatch: got %+v, want %+v", parsed, claims)
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("secret-a"), Claims{Sub: "usr_1", Name: "Maya", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ParseToken([]byte("secret-b"), token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseToken_Expired(t *testing.T) {
	token, err := IssueToken([]byte("secret"), Claims{Sub: "usr_1", Name: "Maya", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ParseToken([]byte("secret"), token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseToken_Garbage(t *testing.T) {
	if _, err := ParseToken([]byte("secret"), "not-a-token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
