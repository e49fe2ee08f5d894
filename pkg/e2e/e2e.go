// intranet-messenger - A sync engine for the intranet messenger client.
// Copyright (C) 2026 twbeatles
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package e2e implements the room-key message envelope: PBKDF2-SHA256 key
// derivation, AES-256-CBC encryption and an encrypt-then-MAC HMAC-SHA256 tag.
// The wire form is "v2:<salt>:<iv>:<ciphertext>:<mac>" with base64 fields.
package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	envelopePrefix = "v2:"
	kdfIterations  = 10000
	saltSize       = 16
)

var (
	// ErrMalformed is returned for payloads that are not a well-formed v2
	// envelope, including legacy v1 payloads which are no longer produced.
	ErrMalformed = errors.New("malformed encrypted payload")
	// ErrMACMismatch is returned when the authentication tag does not
	// verify, i.e. wrong room key or corrupted ciphertext.
	ErrMACMismatch = errors.New("message authentication failed")
)

// IsEnvelope reports whether s looks like an encrypted envelope this package
// can attempt to open.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, envelopePrefix)
}

// deriveKeys stretches the room key into separate encryption and MAC keys.
func deriveKeys(key string, salt []byte) (encKey, macKey []byte) {
	derived := pbkdf2.Key([]byte(key), salt, kdfIterations, 64, sha256.New)
	return derived[:32], derived[32:]
}

// Encrypt seals plaintext under the room key with a fresh salt and IV.
func Encrypt(plaintext, key string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	encKey, macKey := deriveKeys(key, salt)
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return "", err
	}

	padded := pad([]byte(plaintext))
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(salt)
	mac.Write(iv)
	mac.Write(ct)

	b64 := base64.StdEncoding
	return envelopePrefix + b64.EncodeToString(salt) +
		":" + b64.EncodeToString(iv) +
		":" + b64.EncodeToString(ct) +
		":" + b64.EncodeToString(mac.Sum(nil)), nil
}

// Decrypt opens a v2 envelope. The MAC is verified before any decryption.
func Decrypt(payload, key string) (string, error) {
	if !IsEnvelope(payload) {
		return "", ErrMalformed
	}
	parts := strings.Split(payload, ":")
	if len(parts) != 5 {
		return "", ErrMalformed
	}
	b64 := base64.StdEncoding
	salt, err := b64.DecodeString(parts[1])
	if err != nil || len(salt) != saltSize {
		return "", ErrMalformed
	}
	iv, err := b64.DecodeString(parts[2])
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformed
	}
	ct, err := b64.DecodeString(parts[3])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}
	tag, err := b64.DecodeString(parts[4])
	if err != nil {
		return "", ErrMalformed
	}

	encKey, macKey := deriveKeys(key, salt)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(salt)
	mac.Write(iv)
	mac.Write(ct)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return "", ErrMACMismatch
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	plain, err = unpad(plain)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// GenerateKey returns a fresh random room key (32 bytes, hex-encoded).
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate room key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrMalformed
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrMalformed
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrMalformed
		}
	}
	return data[:len(data)-n], nil
}
