package auth

import "testing"

func TestGenerateAccessKeyUnique(t *testing.T) {
	a, err := GenerateAccessKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateAccessKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct keys")
	}
}

func TestHashAccessKeyDeterministic(t *testing.T) {
	a := HashAccessKey("abc", "pepper")
	b := HashAccessKey("abc", "pepper")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if HashAccessKey("abc", "pepper") == HashAccessKey("abc", "other") {
		t.Fatalf("expected pepper to change the hash")
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	if !ConstantTimeHashEquals("abc", "abc") {
		t.Fatalf("expected equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abd") {
		t.Fatalf("expected non-equal hashes")
	}
}
