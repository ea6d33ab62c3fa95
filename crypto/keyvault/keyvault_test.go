// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyvault_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"github.com/messup-chat/messup-go/crypto/keyvault"
	"github.com/messup-chat/messup-go/database"
)

func newTestDB(t *testing.T) *database.Database {
	rawDB, err := sql.Open("sqlite3", ":memory:?_busy_timeout=5000")
	require.NoError(t, err, "Error opening raw database")
	rawDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = rawDB.Close()
	})
	wrapped, err := dbutil.NewWithDB(rawDB, "sqlite3")
	require.NoError(t, err, "Error creating database wrapper")
	db := database.New(wrapped)
	require.NoError(t, db.Upgrade(context.TODO()), "Error upgrading database")
	return db
}

func TestVault_LoadWithoutKeys(t *testing.T) {
	db := newTestDB(t)
	vault := keyvault.NewVault("alice", &db.KeyPair, zerolog.Nop())
	_, err := vault.Load(context.TODO())
	assert.True(t, errors.Is(err, keyvault.ErrNotFound), "unexpected error %v", err)
	_, err = vault.ExportPublic()
	assert.True(t, errors.Is(err, keyvault.ErrNotLoaded), "unexpected error %v", err)
}

func TestVault_GenerateAndLoad(t *testing.T) {
	ctx := context.TODO()
	db := newTestDB(t)
	vault := keyvault.NewVault("alice", &db.KeyPair, zerolog.Nop())
	pair, err := vault.Generate(ctx)
	require.NoError(t, err)
	assert.Equal(t, keyvault.KeyBits, pair.Public.N.BitLen())

	pending, err := vault.IsUploadPending(ctx)
	require.NoError(t, err)
	assert.True(t, pending)
	require.NoError(t, vault.SetUploadPending(ctx, false))
	pending, err = vault.IsUploadPending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)

	reopened := keyvault.NewVault("alice", &db.KeyPair, zerolog.Nop())
	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.True(t, pair.Private.Equal(loaded.Private))
	assert.True(t, pair.Public.Equal(loaded.Public))

	exported, err := reopened.ExportPublic()
	require.NoError(t, err)
	assert.False(t, exported.IsPrivate())
	assert.Equal(t, keyvault.Fingerprint(pair.Public), keyvault.Fingerprint(loaded.Public))
}

func TestVault_NoImplicitRegeneration(t *testing.T) {
	ctx := context.TODO()
	db := newTestDB(t)
	vault := keyvault.NewVault("alice", &db.KeyPair, zerolog.Nop())
	original, err := vault.Generate(ctx)
	require.NoError(t, err)

	_, err = keyvault.NewVault("alice", &db.KeyPair, zerolog.Nop()).Generate(ctx)
	assert.True(t, errors.Is(err, keyvault.ErrKeyExists), "unexpected error %v", err)

	replaced, err := vault.Regenerate(ctx)
	require.NoError(t, err)
	assert.False(t, original.Public.Equal(replaced.Public))
	loaded, err := keyvault.NewVault("alice", &db.KeyPair, zerolog.Nop()).Load(ctx)
	require.NoError(t, err)
	assert.True(t, replaced.Public.Equal(loaded.Public))
}

func TestVault_IdentityScoped(t *testing.T) {
	ctx := context.TODO()
	db := newTestDB(t)
	alice, err := keyvault.NewVault("alice", &db.KeyPair, zerolog.Nop()).Generate(ctx)
	require.NoError(t, err)
	bobVault := keyvault.NewVault("bob", &db.KeyPair, zerolog.Nop())
	_, err = bobVault.Load(ctx)
	assert.True(t, errors.Is(err, keyvault.ErrNotFound), "unexpected error %v", err)

	_, err = bobVault.Import(ctx, alice.Private)
	require.NoError(t, err)
	loaded, err := keyvault.NewVault("bob", &db.KeyPair, zerolog.Nop()).Load(ctx)
	require.NoError(t, err)
	assert.True(t, alice.Public.Equal(loaded.Public))
}
