// Package cipher implements the legacy OpenSSL salted envelope used for chunk
// and document payloads: an 8-byte "Salted__" marker, an 8-byte salt, then
// AES-256-CBC ciphertext whose key and IV come from the MD5 variant of
// EVP_BytesToKey with one iteration.
//
// Every failure, whether malformed input, bad padding, or non-UTF-8 output,
// is reported as ErrWrongPassphrase. A wrong passphrase yields valid-looking
// padding roughly once in 256 attempts; that false-accept rate is inherent to
// the format and callers must not treat a successful decrypt as proof of
// authenticity.
package cipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
)

const (
	keyLen    = 32
	ivLen     = aes.BlockSize
	saltLen   = 8
	headerLen = len(saltedMarker) + saltLen
)

const saltedMarker = "Salted__"

// ErrWrongPassphrase is returned for every decryption failure.
var ErrWrongPassphrase = apperrors.ErrWrongPassphrase

func wrongPassphrase(reason string) error {
	return fmt.Errorf("%w: %s", ErrWrongPassphrase, reason)
}

// deriveKeyIV expands passphrase and salt into a key and IV by chaining
// D_i = MD5(D_{i-1} || passphrase || salt).
func deriveKeyIV(passphrase, salt []byte) (key, iv []byte) {
	var (
		out  = make([]byte, 0, keyLen+ivLen+md5.Size)
		prev []byte
	)
	for len(out) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keyLen], out[keyLen : keyLen+ivLen]
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, wrongPassphrase("empty plaintext")
	}
	p := int(b[len(b)-1])
	if p < 1 || p > aes.BlockSize || p > len(b) {
		return nil, wrongPassphrase("padding error")
	}
	for _, c := range b[len(b)-p:] {
		if int(c) != p {
			return nil, wrongPassphrase("padding error")
		}
	}
	return b[:len(b)-p], nil
}

func pad(b []byte) []byte {
	p := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(p)}, p)...)
}

// DecryptBytes opens a raw (non-base64) salted envelope and returns the
// unpadded plaintext bytes. The marker bytes are not checked.
func DecryptBytes(raw []byte, passphrase string) ([]byte, error) {
	if len(raw) < headerLen {
		return nil, wrongPassphrase("data too short")
	}
	salt := raw[len(saltedMarker):headerLen]
	body := raw[headerLen:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, wrongPassphrase("ciphertext not block aligned")
	}

	key, iv := deriveKeyIV([]byte(passphrase), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrongPassphrase("decryption error")
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	return unpad(plain)
}

// Decrypt opens a base64-encoded salted envelope and returns the plaintext
// as UTF-8 text.
func Decrypt(payload string, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", wrongPassphrase("decoding error")
	}
	plain, err := DecryptBytes(raw, passphrase)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", wrongPassphrase("decoding error")
	}
	return string(plain), nil
}

// EncryptBytes seals plaintext under passphrase with a fresh random salt.
func EncryptBytes(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return encryptWithSalt(plaintext, passphrase, salt)
}

func encryptWithSalt(plaintext []byte, passphrase string, salt []byte) ([]byte, error) {
	key, iv := deriveKeyIV([]byte(passphrase), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}
	padded := pad(append([]byte(nil), plaintext...))

	out := make([]byte, headerLen+len(padded))
	copy(out, saltedMarker)
	copy(out[len(saltedMarker):], salt)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[headerLen:], padded)
	return out, nil
}

// Encrypt seals text and returns the base64 form accepted by Decrypt.
func Encrypt(plaintext string, passphrase string) (string, error) {
	raw, err := EncryptBytes([]byte(plaintext), passphrase)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
