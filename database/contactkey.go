// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/id"
)

// ErrCorruptContactKey is returned when a cached contact key row can't be decoded.
var ErrCorruptContactKey = errors.New("corrupt contact key cache entry")

const (
	getContactKeyQuery = `
		SELECT owner, username, public_key, fetched_at FROM contact_key WHERE owner = $1 AND username = $2
	`
	getAllContactKeysQuery = `
		SELECT owner, username, public_key, fetched_at FROM contact_key WHERE owner = $1 ORDER BY username
	`
	// Cached keys are immutable, a refresh requires purging the cache first.
	insertContactKeyQuery = `
		INSERT INTO contact_key (owner, username, public_key, fetched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, username) DO NOTHING
	`
	deleteAllContactKeysQuery = `
		DELETE FROM contact_key WHERE owner = $1
	`
	setRawContactKeyQuery = `
		UPDATE contact_key SET public_key = $3 WHERE owner = $1 AND username = $2
	`
)

type ContactKeyQuery struct {
	*dbutil.QueryHelper[*ContactKey]
}

// Get returns the cached public key of the given contact, or nil if it's not cached.
// A row that fails to decode returns an error wrapping ErrCorruptContactKey.
func (ckq *ContactKeyQuery) Get(ctx context.Context, owner, username id.Username) (*ContactKey, error) {
	return ckq.QueryOne(ctx, getContactKeyQuery, owner, username)
}

func (ckq *ContactKeyQuery) GetAll(ctx context.Context, owner id.Username) ([]*ContactKey, error) {
	return ckq.QueryMany(ctx, getAllContactKeysQuery, owner)
}

func (ckq *ContactKeyQuery) Put(ctx context.Context, ck *ContactKey) error {
	vars, err := ck.sqlVariables()
	if err != nil {
		return err
	}
	return ckq.Exec(ctx, insertContactKeyQuery, vars...)
}

func (ckq *ContactKeyQuery) DeleteAll(ctx context.Context, owner id.Username) error {
	return ckq.Exec(ctx, deleteAllContactKeysQuery, owner)
}

// SetRaw overwrites the stored key data without any validation. It only exists for testing corruption handling.
func (ckq *ContactKeyQuery) SetRaw(ctx context.Context, owner, username id.Username, raw string) error {
	return ckq.Exec(ctx, setRawContactKeyQuery, owner, username, raw)
}

type ContactKey struct {
	Owner     id.Username
	Username  id.Username
	PublicKey *jwk.Key
	FetchedAt time.Time
}

func (ck *ContactKey) Scan(row dbutil.Scannable) (*ContactKey, error) {
	var publicKey string
	var fetchedAt int64
	err := row.Scan(&ck.Owner, &ck.Username, &publicKey, &fetchedAt)
	if err != nil {
		return nil, err
	}
	ck.PublicKey = &jwk.Key{}
	if err = json.Unmarshal([]byte(publicKey), ck.PublicKey); err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrCorruptContactKey, ck.Username, err)
	} else if ck.PublicKey.N == "" || ck.PublicKey.E == "" {
		return nil, fmt.Errorf("%w for %s: missing modulus or exponent", ErrCorruptContactKey, ck.Username)
	}
	ck.FetchedAt = time.UnixMilli(fetchedAt)
	return ck, nil
}

func (ck *ContactKey) sqlVariables() ([]any, error) {
	publicKey, err := json.Marshal(ck.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return []any{ck.Owner, ck.Username, string(publicKey), ck.FetchedAt.UnixMilli()}, nil
}
