/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package secret seals configuration secrets at rest as compact JWE.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/square/go-jose.v2"
)

// Prefix marks sealed values.
const Prefix = "sealed:"

// KeySize is the size of a sealing key in bytes.
const KeySize = 32

// Sealer encrypts and decrypts short secrets with a symmetric key using
// direct key agreement and A256GCM.
type Sealer struct {
	key       []byte
	encrypter jose.Encrypter
}

// NewSealer creates a Sealer for the provided 32 byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid sealing key size %d, expected %d", len(key), KeySize)
	}

	encrypter, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{
		Algorithm: jose.DIRECT,
		Key:       key,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypter: %w", err)
	}

	return &Sealer{
		key:       key,
		encrypter: encrypter,
	}, nil
}

// NewSealerFromPassphrase derives the sealing key from passphrase.
func NewSealerFromPassphrase(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	key := sha256.Sum256([]byte(passphrase))
	return NewSealer(key[:])
}

// LoadOrCreateKey reads a key file, or creates one with a random key when
// it does not exist.
func LoadOrCreateKey(fn string) ([]byte, error) {
	key, err := os.ReadFile(fn)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("invalid key file %s: size %d, expected %d", fn, len(key), KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err = rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err = os.WriteFile(fn, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Seal encrypts plaintext. Empty values stay empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	object, err := s.encrypter.Encrypt([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("failed to seal: %w", err)
	}
	serialized, err := object.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize sealed value: %w", err)
	}

	return Prefix + serialized, nil
}

// Open decrypts a sealed value. Values without prefix are returned as is so
// hand written plaintext files keep working.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	object, err := jose.ParseEncrypted(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("failed to parse sealed value: %w", err)
	}
	plaintext, err := object.Decrypt(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}

	return string(plaintext), nil
}
