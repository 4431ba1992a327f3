package auth

import (
	"errors"
	"testing"
)

func TestGenerateAndValidateToken(t *testing.T) {
	service := NewService("test-secret")
	service.RegisterAPICredentials("key-1", "secret-1")

	token, err := service.GenerateToken(Credentials{APIKey: "key-1", APISecret: "secret-1"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if token.Token == "" {
		t.Fatal("empty token")
	}

	claims, err := service.ValidateToken(token.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.ClientID != "key-1" {
		t.Errorf("client_id = %q, want key-1", claims.ClientID)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "journal" {
		t.Errorf("permissions = %v, want [journal]", claims.Permissions)
	}
}

func TestGenerateTokenRejectsBadCredentials(t *testing.T) {
	service := NewService("test-secret")
	service.RegisterAPICredentials("key-1", "secret-1")

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"wrong secret", Credentials{APIKey: "key-1", APISecret: "nope"}},
		{"unknown key", Credentials{APIKey: "key-2", APISecret: "secret-1"}},
		{"empty", Credentials{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.GenerateToken(tt.creds); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	issuer := NewService("secret-a")
	issuer.RegisterAPICredentials("key-1", "secret-1")
	verifier := NewService("secret-b")

	token, err := issuer.GenerateToken(Credentials{APIKey: "key-1", APISecret: "secret-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.ValidateToken(token.Token); err == nil {
		t.Error("token signed with a different secret must not validate")
	}
}
