package auth

import (
	"testing"
	"time"
)

func TestJWT_SignAndParse(t *testing.T) {
	tok, err := SignJWT("secret", 10086, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	cl, err := ParseJWT("secret", tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	uid, err := cl.UserID()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	if uid != 10086 {
		t.Fatalf("got uid %d, want 10086", uid)
	}
}

func TestJWT_WrongSecret(t *testing.T) {
	tok, err := SignJWT("secret", 1, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT("other", tok); err == nil {
		t.Fatalf("expected verification failure")
	}
}

func TestJWT_Expired(t *testing.T) {
	tok, err := SignJWT("secret", 1, -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT("secret", tok); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}
