package security

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestNewEncryptor_KeyValidation(t *testing.T) {
	tests := []struct {
		name        string
		key         []byte
		wantErr     bool
		wantEnabled bool
	}{
		{"nil key disables encryption", nil, false, false},
		{"empty key disables encryption", []byte{}, false, false},
		{"32-byte key enables encryption", bytes.Repeat([]byte{0x42}, 32), false, true},
		{"short key rejected", bytes.Repeat([]byte{0x42}, 16), true, false},
		{"long key rejected", bytes.Repeat([]byte{0x42}, 64), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	records := []string{
		"",
		"short",
		`{"token":"secret-bearer-token","subject":"default_user"}`,
		strings.Repeat("long token record ", 500),
	}

	for _, record := range records {
		sealed, err := enc.Encrypt(record)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if record != "" && strings.Contains(sealed, record) {
			t.Error("ciphertext contains the plaintext record")
		}

		opened, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if opened != record {
			t.Errorf("round trip changed the record: got %q, want %q", opened, record)
		}
	}
}

func TestEncryptor_FreshNoncePerCall(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	first, err := enc.Encrypt("same record")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	second, err := enc.Encrypt("same record")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if first == second {
		t.Error("two encryptions of the same record produced identical ciphertext")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	record := `{"token":"plain"}`
	sealed, err := enc.Encrypt(record)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if sealed != record {
		t.Errorf("disabled Encrypt() = %q, want pass-through", sealed)
	}

	opened, err := enc.Decrypt(record)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if opened != record {
		t.Errorf("disabled Decrypt() = %q, want pass-through", opened)
	}
}

func TestEncryptor_DecryptRejectsBadInput(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	sealed, err := enc.Encrypt("record")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Flip one ciphertext byte: GCM authentication must fail
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "%%not-base64%%"},
		{"shorter than nonce", base64.StdEncoding.EncodeToString([]byte("tiny"))},
		{"tampered ciphertext", tampered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.input); err == nil {
				t.Error("Decrypt() accepted invalid input")
			}
		})
	}
}

func TestEncryptor_WrongKeyFails(t *testing.T) {
	enc1, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	enc2, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	sealed, err := enc1.Encrypt("record")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := enc2.Decrypt(sealed); err == nil {
		t.Error("Decrypt() with a different key succeeded")
	}
}
