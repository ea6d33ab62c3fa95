// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/id"
)

const (
	getKeyPairQuery = `
		SELECT username, public_key, private_key, version, upload_pending, created_at
		FROM key_pair
		WHERE username = $1
	`
	upsertKeyPairQuery = `
		INSERT INTO key_pair (username, public_key, private_key, version, upload_pending, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO UPDATE
			SET public_key = excluded.public_key,
				private_key = excluded.private_key,
				version = excluded.version,
				upload_pending = excluded.upload_pending,
				created_at = excluded.created_at
	`
	setUploadPendingQuery = `
		UPDATE key_pair SET upload_pending = $2 WHERE username = $1
	`
	deleteKeyPairQuery = `
		DELETE FROM key_pair WHERE username = $1
	`
)

type KeyPairQuery struct {
	*dbutil.QueryHelper[*KeyPair]
}

// Get returns the stored key pair of the given user, or nil if there isn't one.
func (kpq *KeyPairQuery) Get(ctx context.Context, username id.Username) (*KeyPair, error) {
	return kpq.QueryOne(ctx, getKeyPairQuery, username)
}

func (kpq *KeyPairQuery) Put(ctx context.Context, kp *KeyPair) error {
	vars, err := kp.sqlVariables()
	if err != nil {
		return err
	}
	return kpq.Exec(ctx, upsertKeyPairQuery, vars...)
}

func (kpq *KeyPairQuery) SetUploadPending(ctx context.Context, username id.Username, pending bool) error {
	return kpq.Exec(ctx, setUploadPendingQuery, username, pending)
}

func (kpq *KeyPairQuery) Delete(ctx context.Context, username id.Username) error {
	return kpq.Exec(ctx, deleteKeyPairQuery, username)
}

// KeyPair is the locally persisted key pair of a single identity.
type KeyPair struct {
	Username      id.Username
	PublicKey     *jwk.Key
	PrivateKey    *jwk.Key
	Version       string
	UploadPending bool
	CreatedAt     time.Time
}

func (kp *KeyPair) Scan(row dbutil.Scannable) (*KeyPair, error) {
	var publicKey, privateKey string
	var createdAt int64
	err := row.Scan(&kp.Username, &publicKey, &privateKey, &kp.Version, &kp.UploadPending, &createdAt)
	if err != nil {
		return nil, err
	}
	kp.PublicKey = &jwk.Key{}
	kp.PrivateKey = &jwk.Key{}
	if err = json.Unmarshal([]byte(publicKey), kp.PublicKey); err != nil {
		return nil, fmt.Errorf("failed to parse stored public key: %w", err)
	} else if err = json.Unmarshal([]byte(privateKey), kp.PrivateKey); err != nil {
		return nil, fmt.Errorf("failed to parse stored private key: %w", err)
	}
	kp.CreatedAt = time.UnixMilli(createdAt)
	return kp, nil
}

func (kp *KeyPair) sqlVariables() ([]any, error) {
	publicKey, err := json.Marshal(kp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	privateKey, err := json.Marshal(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return []any{kp.Username, string(publicKey), string(privateKey), kp.Version, kp.UploadPending, kp.CreatedAt.UnixMilli()}, nil
}
