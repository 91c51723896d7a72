package auth

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJWTAuthenticatorRoundTrip(t *testing.T) {
	a, err := NewJWTAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}

	token, err := a.IssueToken(1, 42, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	payload, _ := json.Marshal(credentialPayload{Token: token})
	id, err := a.Authenticate(payload, Identity{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.ClientType != 1 || id.ClientID != 42 {
		t.Fatalf("identity = %+v, want {1 42}", id)
	}
}

func TestJWTAuthenticatorRejectsExpired(t *testing.T) {
	a, _ := NewJWTAuthenticator("test-secret")
	token, err := a.IssueToken(1, 42, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	payload, _ := json.Marshal(credentialPayload{Token: token})
	if _, err := a.Authenticate(payload, Identity{}); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestJWTAuthenticatorRejectsWrongSecret(t *testing.T) {
	a, _ := NewJWTAuthenticator("test-secret")
	other, _ := NewJWTAuthenticator("other-secret")
	token, _ := a.IssueToken(1, 42, time.Minute)
	payload, _ := json.Marshal(credentialPayload{Token: token})
	if _, err := other.Authenticate(payload, Identity{}); err == nil {
		t.Fatal("expected signature mismatch to be rejected")
	}
}

func TestJWTAuthenticatorRejectsMalformedPayload(t *testing.T) {
	a, _ := NewJWTAuthenticator("test-secret")
	if _, err := a.Authenticate([]byte("not json"), Identity{}); err == nil {
		t.Fatal("expected malformed payload to be rejected")
	}
}

func TestNoAuthEchoesClaimed(t *testing.T) {
	var a NoAuth
	claimed := Identity{ClientType: 3, ClientID: 7}
	id, err := a.Authenticate(nil, claimed)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id != claimed {
		t.Fatalf("identity = %+v, want %+v", id, claimed)
	}
}
