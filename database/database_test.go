// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"github.com/messup-chat/messup-go/crypto/jwk"
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

var testKey = &jwk.Key{KeyType: jwk.KeyTypeRSA, Algorithm: jwk.AlgRSAOAEP256, N: "xjlCRBqkQRlUS6OQ", E: "AQAB"}

func TestKeyPairQuery(t *testing.T) {
	ctx := context.TODO()
	db := newTestDB(t)

	kp, err := db.KeyPair.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, kp)

	privKey := *testKey
	privKey.D = "ZGVmZw"
	created := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, db.KeyPair.Put(ctx, &database.KeyPair{
		Username:   "alice",
		PublicKey:  testKey,
		PrivateKey: &privKey,
		Version:    "1.0",
		CreatedAt:  created,
	}))
	require.NoError(t, db.KeyPair.SetUploadPending(ctx, "alice", true))

	kp, err = db.KeyPair.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, kp)
	assert.Equal(t, testKey, kp.PublicKey)
	assert.Equal(t, "ZGVmZw", kp.PrivateKey.D)
	assert.True(t, kp.UploadPending)
	assert.True(t, created.Equal(kp.CreatedAt))

	other, err := db.KeyPair.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, db.KeyPair.Delete(ctx, "alice"))
	kp, err = db.KeyPair.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, kp)
}

func TestContactKeyQuery(t *testing.T) {
	ctx := context.TODO()
	db := newTestDB(t)

	require.NoError(t, db.ContactKey.Put(ctx, &database.ContactKey{Owner: "alice", Username: "bob", PublicKey: testKey, FetchedAt: time.Now()}))
	require.NoError(t, db.ContactKey.Put(ctx, &database.ContactKey{Owner: "carol", Username: "bob", PublicKey: testKey, FetchedAt: time.Now()}))

	t.Run("Immutable", func(t *testing.T) {
		replacement := *testKey
		replacement.N = "AAAA"
		require.NoError(t, db.ContactKey.Put(ctx, &database.ContactKey{Owner: "alice", Username: "bob", PublicKey: &replacement, FetchedAt: time.Now()}))
		ck, err := db.ContactKey.Get(ctx, "alice", "bob")
		require.NoError(t, err)
		require.NotNil(t, ck)
		assert.Equal(t, testKey.N, ck.PublicKey.N)
	})

	t.Run("Corrupt", func(t *testing.T) {
		require.NoError(t, db.ContactKey.SetRaw(ctx, "alice", "bob", "{not json"))
		_, err := db.ContactKey.Get(ctx, "alice", "bob")
		assert.True(t, errors.Is(err, database.ErrCorruptContactKey), "unexpected error %v", err)
	})

	t.Run("DeleteAll", func(t *testing.T) {
		require.NoError(t, db.ContactKey.DeleteAll(ctx, "alice"))
		ck, err := db.ContactKey.Get(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Nil(t, ck)
		all, err := db.ContactKey.GetAll(ctx, "carol")
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}
