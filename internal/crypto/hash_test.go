package crypto

import "testing"

func TestHashWithScryptDeterministic(t *testing.T) {
	h1, err := HashWithScrypt("password", "15")
	if err != nil {
		t.Fatalf("HashWithScrypt() error = %v", err)
	}
	h2, err := HashWithScrypt("password", "15")
	if err != nil {
		t.Fatalf("HashWithScrypt() error = %v", err)
	}
	if h1 != h2 {
		t.Error("same input and salt should produce the same hash")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestHashWithScryptSaltMatters(t *testing.T) {
	h1, _ := HashWithScrypt("password", "1")
	h2, _ := HashWithScrypt("password", "2")
	if h1 == h2 {
		t.Error("different salts should produce different hashes")
	}
}

func TestHashWithScryptSaltCaseInsensitive(t *testing.T) {
	h1, _ := HashWithScrypt("password", "AB")
	h2, _ := HashWithScrypt("password", "ab")
	if h1 != h2 {
		t.Error("salt should be lowercased before hashing")
	}
}
