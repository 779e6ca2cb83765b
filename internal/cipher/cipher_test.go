package cipher

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
	"pgregory.net/rapid"
)

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		plain := rapid.String().Draw(t, "plaintext")
		pass := rapid.String().Draw(t, "passphrase")

		payload, err := Encrypt(plain, pass)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := Decrypt(payload, pass)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plain {
			t.Fatalf("round trip = %q, want %q", got, plain)
		}
	})
}

func TestRoundTripBytesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		plain := rapid.SliceOf(rapid.Byte()).Draw(t, "plaintext")
		pass := rapid.StringN(1, 64, -1).Draw(t, "passphrase")

		raw, err := EncryptBytes(plain, pass)
		if err != nil {
			t.Fatalf("EncryptBytes: %v", err)
		}
		got, err := DecryptBytes(raw, pass)
		if err != nil {
			t.Fatalf("DecryptBytes: %v", err)
		}
		if string(got) != string(plain) {
			t.Fatalf("round trip mismatch")
		}
	})
}

// A wrong key passes the padding check with probability about 1/256 per
// payload, and then usually fails UTF-8 validation. Across many trials the
// acceptance rate must stay under 0.1%.
func TestWrongKeyRejectionRate(t *testing.T) {
	const trials = 5000
	payload, err := Encrypt("The quick brown fox jumps over the lazy dog", "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	accepted := 0
	for i := 0; i < trials; i++ {
		wrong := hex.EncodeToString([]byte{byte(i), byte(i >> 8), 0x5a})
		_, err := Decrypt(payload, wrong)
		if err == nil {
			accepted++
			continue
		}
		if !errors.Is(err, ErrWrongPassphrase) {
			t.Fatalf("trial %d: error %v is not ErrWrongPassphrase", i, err)
		}
	}
	if rate := float64(accepted) / trials; rate > 0.001 {
		t.Errorf("wrong-key acceptance rate %.4f exceeds 0.001 (%d/%d)", rate, accepted, trials)
	}
}

func TestWrongPassphraseSentinel(t *testing.T) {
	if apperrors.KindOf(ErrWrongPassphrase) != apperrors.KindWrongPassphrase {
		t.Errorf("kind = %s", apperrors.KindOf(ErrWrongPassphrase))
	}
}

func TestMalformedPayloads(t *testing.T) {
	valid, err := EncryptBytes([]byte("hello"), "k")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		payload string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("Salted__abc"))},
		{"header only", base64.StdEncoding.EncodeToString(valid[:16])},
		{"unaligned", base64.StdEncoding.EncodeToString(valid[:len(valid)-3])},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.payload, "k")
			if !errors.Is(err, ErrWrongPassphrase) {
				t.Errorf("Decrypt(%s) error = %v, want ErrWrongPassphrase", tt.name, err)
			}
		})
	}
}

func TestInvalidUTF8IsWrongPassphrase(t *testing.T) {
	raw, err := EncryptBytes([]byte{0xff, 0xfe, 0xfd}, "k")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptBytes(raw, "k"); err != nil {
		t.Fatalf("DecryptBytes: %v", err)
	}
	_, err = Decrypt(base64.StdEncoding.EncodeToString(raw), "k")
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("error = %v, want ErrWrongPassphrase", err)
	}
}

// Fixed vector: salt 0102030405060708, passphrase "secret". Derivation and
// layout must stay byte-compatible with `openssl enc -aes-256-cbc -md md5`.
func TestEnvelopeLayout(t *testing.T) {
	salt := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	raw, err := encryptWithSalt([]byte("0123456789abcdef"), "secret", salt)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw[:8]) != "Salted__" {
		t.Errorf("marker = %q", raw[:8])
	}
	if string(raw[8:16]) != string(salt) {
		t.Errorf("salt = %x", raw[8:16])
	}
	// 16 bytes of plaintext gain a full padding block.
	if len(raw) != 16+32 {
		t.Errorf("len = %d, want 48", len(raw))
	}
	key, iv := deriveKeyIV([]byte("secret"), salt)
	if len(key) != 32 || len(iv) != 16 {
		t.Fatalf("key/iv lengths %d/%d", len(key), len(iv))
	}
	again, _ := encryptWithSalt([]byte("0123456789abcdef"), "secret", salt)
	if string(again) != string(raw) {
		t.Error("encryption with a fixed salt is not deterministic")
	}
}
