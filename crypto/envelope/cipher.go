// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/random"

	"github.com/messup-chat/messup-go/crypto/keyvault"
	"github.com/messup-chat/messup-go/id"
)

const (
	sessionKeyLength = 32
	ivLength         = 12
)

var (
	ErrEncryptionUnavailable = errors.New("encryption unavailable")
	ErrDecryptionFailure     = errors.New("failed to decrypt message")
	ErrInvalidFormat         = errors.New("invalid encrypted message format")
)

// Placeholder texts shown in place of messages that couldn't be decrypted.
const (
	MarkerDecryptionFailed = "[Decryption failed]"
	MarkerInvalidFormat    = "[Invalid encrypted message format]"
	MarkerUndecryptable    = "[Message could not be decrypted]"
	MarkerEmpty            = "[Empty message]"
)

// KeyResolver resolves the public keys of other users. It's implemented by *contactkeys.Directory.
type KeyResolver interface {
	Resolve(ctx context.Context, username id.Username) (*rsa.PublicKey, error)
}

// Cipher encrypts and decrypts messages for a single local identity.
type Cipher struct {
	Self     id.Username
	Vault    *keyvault.Vault
	Contacts KeyResolver
	Log      zerolog.Logger
}

func NewCipher(self id.Username, vault *keyvault.Vault, contacts KeyResolver, log zerolog.Logger) *Cipher {
	return &Cipher{
		Self:     self,
		Vault:    vault,
		Contacts: contacts,
		Log:      log.With().Str("component", "cipher").Logger(),
	}
}

func wrapKey(pub *rsa.PublicKey, sessionKey []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
}

// Encrypt encrypts the plaintext for the recipient. If the recipient's key can't be resolved,
// the returned error wraps ErrEncryptionUnavailable and the caller decides whether to send plaintext instead.
func (c *Cipher) Encrypt(ctx context.Context, plaintext string, recipient id.Username) (*Envelope, error) {
	pair := c.Vault.KeyPair()
	if pair == nil {
		return nil, fmt.Errorf("%w: local keys not loaded", ErrEncryptionUnavailable)
	}
	recipientKey, err := c.Contacts.Resolve(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionUnavailable, err)
	}
	sessionKey := random.Bytes(sessionKeyLength)
	iv := random.Bytes(ivLength)
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		EncryptedMessage: gcm.Seal(nil, iv, []byte(plaintext), nil),
		IV:               iv,
		EncryptedFor:     recipient,
		EncryptedBy:      c.Self,
		Timestamp:        jsontime.UnixMilliNow(),
	}
	env.EncryptedKeyForRecipient, err = wrapKey(recipientKey, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key for recipient: %w", err)
	}
	env.EncryptedKeyForSender, err = wrapKey(pair.Public, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key for sender: %w", err)
	}
	return env, nil
}

// EncryptString encrypts the plaintext and returns the serialized envelope.
func (c *Cipher) EncryptString(ctx context.Context, plaintext string, recipient id.Username) (string, error) {
	env, err := c.Encrypt(ctx, plaintext, recipient)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(data), nil
}

// DecryptEnvelope decrypts a parsed envelope with the local private key.
func (c *Cipher) DecryptEnvelope(env *Envelope) (string, error) {
	pair := c.Vault.KeyPair()
	if pair == nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailure, keyvault.ErrNotLoaded)
	}
	wrappedKey := env.EncryptedKeyForSender
	if env.EncryptedFor == c.Self {
		wrappedKey = env.EncryptedKeyForRecipient
	}
	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, pair.Private, wrappedKey, nil)
	if err != nil {
		return "", fmt.Errorf("%w: failed to unwrap session key: %w", ErrDecryptionFailure, err)
	} else if len(sessionKey) != sessionKeyLength {
		return "", fmt.Errorf("%w: unexpected session key length %d", ErrDecryptionFailure, len(sessionKey))
	} else if len(env.IV) != ivLength {
		return "", fmt.Errorf("%w: unexpected iv length %d", ErrDecryptionFailure, len(env.IV))
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailure, err)
	}
	plaintext, err := gcm.Open(nil, env.IV, env.EncryptedMessage, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailure, err)
	}
	return string(plaintext), nil
}

// Decrypt parses and decrypts a serialized envelope.
func (c *Cipher) Decrypt(body string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	return c.DecryptEnvelope(&env)
}

// DecryptOrMarker decrypts the envelope, or returns a placeholder text if decryption fails.
// The second return value is true if the placeholder was returned.
func (c *Cipher) DecryptOrMarker(body string) (string, bool) {
	plaintext, err := c.Decrypt(body)
	if errors.Is(err, ErrInvalidFormat) {
		c.Log.Warn().Err(err).Msg("Received malformed encrypted message")
		return MarkerInvalidFormat, true
	} else if err != nil {
		c.Log.Warn().Err(err).Msg("Failed to decrypt message")
		return MarkerDecryptionFailed, true
	}
	return plaintext, false
}
