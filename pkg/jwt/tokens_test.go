package jwt

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("tok-1", "team-1", []string{"read", "deploy"}, "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken returned error: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if claims.ID != "tok-1" || claims.TeamID != "team-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Abilities) != 2 || claims.Abilities[1] != "deploy" {
		t.Fatalf("unexpected abilities: %v", claims.Abilities)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("tok-1", "team-1", nil, "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken returned error: %v", err)
	}
	if _, err := Parse(token, "other"); !errors.Is(err, jwtlib.ErrTokenSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := GenerateToken("tok-1", "team-1", nil, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken returned error: %v", err)
	}
	if _, err := Parse(token, "secret"); !errors.Is(err, jwtlib.ErrTokenExpired) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}
