// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keyvault manages the local RSA-OAEP key pair of a single identity.
package keyvault

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/database"
	"github.com/messup-chat/messup-go/id"
)

const (
	KeyBits = 2048
	// StorageVersion is stored alongside persisted key pairs.
	StorageVersion = "1.0"
)

var (
	ErrNotFound    = errors.New("no local key pair found")
	ErrKeyExists   = errors.New("a key pair already exists for this identity")
	ErrNotLoaded   = errors.New("key pair not loaded")
	ErrKeyMismatch = errors.New("stored public key doesn't match private key")
	ErrNoIdentity  = errors.New("vault has no identity")
)

// Store persists key pairs. It's implemented by database.KeyPairQuery.
type Store interface {
	Get(ctx context.Context, username id.Username) (*database.KeyPair, error)
	Put(ctx context.Context, kp *database.KeyPair) error
	SetUploadPending(ctx context.Context, username id.Username, pending bool) error
}

// KeyPair is a decoded RSA-OAEP key pair.
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// Vault owns the key pair of a single identity. Keys are persisted under the identity's username,
// so multiple identities can share one store without colliding.
type Vault struct {
	Username id.Username
	Store    Store
	Log      zerolog.Logger

	lock sync.RWMutex
	pair *KeyPair
}

func NewVault(username id.Username, store Store, log zerolog.Logger) *Vault {
	return &Vault{
		Username: username,
		Store:    store,
		Log:      log.With().Str("component", "key vault").Logger(),
	}
}

// KeyPair returns the currently loaded key pair, or nil if none has been loaded.
func (v *Vault) KeyPair() *KeyPair {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return v.pair
}

// IsLoaded returns true if a key pair is loaded into memory.
func (v *Vault) IsLoaded() bool {
	return v.KeyPair() != nil
}

// Load reads the identity's key pair from the local store. It never touches the network:
// if there's no local copy, ErrNotFound is returned and restoring is left to the caller.
func (v *Vault) Load(ctx context.Context) (*KeyPair, error) {
	if v.Username == "" {
		return nil, ErrNoIdentity
	}
	stored, err := v.Store.Get(ctx, v.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to read key pair from store: %w", err)
	} else if stored == nil {
		return nil, ErrNotFound
	}
	priv, err := stored.PrivateKey.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored private key: %w", err)
	}
	pub, err := stored.PublicKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored public key: %w", err)
	} else if !priv.PublicKey.Equal(pub) {
		return nil, ErrKeyMismatch
	}
	pair := &KeyPair{Public: pub, Private: priv}
	v.lock.Lock()
	v.pair = pair
	v.lock.Unlock()
	zerolog.Ctx(ctx).Debug().
		Time("created_at", stored.CreatedAt).
		Str("fingerprint", Fingerprint(pub)).
		Msg("Loaded key pair from local store")
	return pair, nil
}

// Generate creates and persists a new key pair. It refuses to replace an existing key pair,
// use Regenerate for that.
func (v *Vault) Generate(ctx context.Context) (*KeyPair, error) {
	if v.Username == "" {
		return nil, ErrNoIdentity
	}
	existing, err := v.Store.Get(ctx, v.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing key pair: %w", err)
	} else if existing != nil || v.IsLoaded() {
		return nil, ErrKeyExists
	}
	return v.generate(ctx)
}

// Regenerate replaces the identity's key pair with a new one. Messages encrypted to the old key
// can no longer be decrypted afterwards, so this must only be called after explicit user confirmation.
func (v *Vault) Regenerate(ctx context.Context) (*KeyPair, error) {
	if v.Username == "" {
		return nil, ErrNoIdentity
	}
	v.Log.Warn().Msg("Replacing existing key pair")
	return v.generate(ctx)
}

func (v *Vault) generate(ctx context.Context) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	pair, err := v.Import(ctx, priv)
	if err != nil {
		return nil, err
	}
	v.Log.Info().
		Str("fingerprint", Fingerprint(pair.Public)).
		Msg("Generated new key pair")
	return pair, nil
}

// Import persists the given private key along with the public key derived from its modulus and exponent.
// The public key is marked as pending upload.
func (v *Vault) Import(ctx context.Context, priv *rsa.PrivateKey) (*KeyPair, error) {
	if v.Username == "" {
		return nil, ErrNoIdentity
	} else if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	privJWK := jwk.FromPrivateKey(priv)
	pubJWK := privJWK.Public()
	pub, err := pubJWK.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	err = v.Store.Put(ctx, &database.KeyPair{
		Username:      v.Username,
		PublicKey:     pubJWK,
		PrivateKey:    privJWK,
		Version:       StorageVersion,
		UploadPending: true,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist key pair: %w", err)
	}
	pair := &KeyPair{Public: pub, Private: priv}
	v.lock.Lock()
	v.pair = pair
	v.lock.Unlock()
	return pair, nil
}

// ExportPublic returns the public half of the loaded key pair as a JWK.
func (v *Vault) ExportPublic() (*jwk.Key, error) {
	pair := v.KeyPair()
	if pair == nil {
		return nil, ErrNotLoaded
	}
	return jwk.FromPublicKey(pair.Public), nil
}

// IsUploadPending returns true if the public key hasn't been successfully uploaded since it was created or restored.
func (v *Vault) IsUploadPending(ctx context.Context) (bool, error) {
	stored, err := v.Store.Get(ctx, v.Username)
	if err != nil {
		return false, err
	} else if stored == nil {
		return false, ErrNotFound
	}
	return stored.UploadPending, nil
}

func (v *Vault) SetUploadPending(ctx context.Context, pending bool) error {
	return v.Store.SetUploadPending(ctx, v.Username, pending)
}

// Forget drops the in-memory key pair. The persisted copy is kept.
func (v *Vault) Forget() {
	v.lock.Lock()
	v.pair = nil
	v.lock.Unlock()
}

// Fingerprint returns the hex-encoded SHA-256 hash of the public modulus.
func Fingerprint(pub *rsa.PublicKey) string {
	hash := sha256.Sum256(pub.N.Bytes())
	return hex.EncodeToString(hash[:])
}
