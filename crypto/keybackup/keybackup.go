// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keybackup implements passphrase-protected backups of the local private key.
package keybackup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/util/random"
	"golang.org/x/crypto/pbkdf2"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/id"
)

// The default number of pbkdf2 rounds to use when wrapping keys
const DefaultIterations = 100000

const (
	saltLength = 16
	ivLength   = 12
	keyLength  = 32
)

// CurrentVersion is the version of the wrapping scheme produced by Wrap.
const CurrentVersion = "1.0"

// ErrIncorrectPassphrase is returned by Unwrap when the backup can't be decrypted.
// Corrupted backups are indistinguishable from a wrong passphrase, so both produce this error.
var ErrIncorrectPassphrase = errors.New("incorrect passphrase")

// Backup is a private key encrypted with a passphrase-derived key.
type Backup struct {
	EncryptedPrivateKey []byte
	Salt                []byte
	IV                  []byte
	Version             string
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, DefaultIterations, keyLength, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Wrap encrypts the given private key with the passphrase. A fresh salt and IV are used every time.
func Wrap(priv *rsa.PrivateKey, passphrase string) (*Backup, error) {
	plaintext, err := json.Marshal(jwk.FromPrivateKey(priv))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize private key: %w", err)
	}
	salt := random.Bytes(saltLength)
	iv := random.Bytes(ivLength)
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Backup{
		EncryptedPrivateKey: gcm.Seal(nil, iv, plaintext, nil),
		Salt:                salt,
		IV:                  iv,
		Version:             CurrentVersion,
	}, nil
}

// Unwrap decrypts the backup with the passphrase.
func Unwrap(backup *Backup, passphrase string) (*rsa.PrivateKey, error) {
	if len(backup.IV) != ivLength || len(backup.Salt) == 0 {
		return nil, ErrIncorrectPassphrase
	}
	gcm, err := newGCM(deriveKey(passphrase, backup.Salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext, err := gcm.Open(nil, backup.IV, backup.EncryptedPrivateKey, nil)
	if err != nil {
		return nil, ErrIncorrectPassphrase
	}
	var key jwk.Key
	if err = json.Unmarshal(plaintext, &key); err != nil {
		return nil, fmt.Errorf("%w: invalid key data", ErrIncorrectPassphrase)
	}
	priv, err := key.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncorrectPassphrase, err)
	}
	return priv, nil
}

// FromResponse decodes the base64 fields of a backup returned by the server.
func FromResponse(resp *messup.RespPrivateKeyBackup) (*Backup, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(resp.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding", ErrIncorrectPassphrase)
	}
	salt, err := base64.StdEncoding.DecodeString(resp.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid salt encoding", ErrIncorrectPassphrase)
	}
	iv, err := base64.StdEncoding.DecodeString(resp.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid iv encoding", ErrIncorrectPassphrase)
	}
	return &Backup{
		EncryptedPrivateKey: ciphertext,
		Salt:                salt,
		IV:                  iv,
		Version:             CurrentVersion,
	}, nil
}

// Request returns the upload request body for the backup.
func (b *Backup) Request(username id.Username) *messup.ReqUploadPrivateKey {
	return &messup.ReqUploadPrivateKey{
		Username:            username,
		EncryptedPrivateKey: base64.StdEncoding.EncodeToString(b.EncryptedPrivateKey),
		Salt:                base64.StdEncoding.EncodeToString(b.Salt),
		IV:                  base64.StdEncoding.EncodeToString(b.IV),
	}
}
