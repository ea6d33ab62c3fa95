// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package contactkeys_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/contactkeys"
	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/database"
	"github.com/messup-chat/messup-go/id"
)

type countingFetcher struct {
	keys  map[id.Username]*jwk.Key
	calls atomic.Int32
}

func (cf *countingFetcher) GetPublicKey(_ context.Context, username id.Username) (*jwk.Key, error) {
	cf.calls.Add(1)
	key, ok := cf.keys[username]
	if !ok {
		return nil, fmt.Errorf("%w for %s", messup.ErrKeyNotFound, username)
	}
	return key, nil
}

func newTestDB(t *testing.T) *database.Database {
	rawDB, err := sql.Open("sqlite3", ":memory:?_busy_timeout=5000")
	require.NoError(t, err)
	rawDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = rawDB.Close()
	})
	wrapped, err := dbutil.NewWithDB(rawDB, "sqlite3")
	require.NoError(t, err)
	db := database.New(wrapped)
	require.NoError(t, db.Upgrade(context.TODO()))
	return db
}

func newBobKey(t *testing.T) (*rsa.PrivateKey, *jwk.Key) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv, jwk.FromPublicKey(&priv.PublicKey)
}

func TestDirectory_TierOrder(t *testing.T) {
	ctx := context.TODO()
	db := newTestDB(t)
	priv, bobKey := newBobKey(t)
	fetcher := &countingFetcher{keys: map[id.Username]*jwk.Key{"bob": bobKey}}

	dir := contactkeys.NewDirectory("alice", &db.ContactKey, fetcher, zerolog.Nop())
	entry, err := dir.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, contactkeys.SourceRemote, entry.Source)

	entry, err = dir.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, contactkeys.SourceMemory, entry.Source)
	assert.EqualValues(t, 1, fetcher.calls.Load())

	fresh := contactkeys.NewDirectory("alice", &db.ContactKey, fetcher, zerolog.Nop())
	entry, err = fresh.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, contactkeys.SourceLocal, entry.Source)
	assert.EqualValues(t, 1, fetcher.calls.Load())

	pub, err := fresh.Resolve(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))

	otherOwner := contactkeys.NewDirectory("carol", &db.ContactKey, fetcher, zerolog.Nop())
	entry, err = otherOwner.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, contactkeys.SourceRemote, entry.Source)
}

func TestDirectory_KeyNotFound(t *testing.T) {
	db := newTestDB(t)
	fetcher := &countingFetcher{keys: map[id.Username]*jwk.Key{}}
	dir := contactkeys.NewDirectory("alice", &db.ContactKey, fetcher, zerolog.Nop())
	_, err := dir.Resolve(context.TODO(), "nobody")
	assert.ErrorIs(t, err, messup.ErrKeyNotFound)
}

func TestDirectory_CorruptLocalCache(t *testing.T) {
	ctx := context.TODO()
	db := newTestDB(t)
	_, bobKey := newBobKey(t)
	fetcher := &countingFetcher{keys: map[id.Username]*jwk.Key{"bob": bobKey, "dave": bobKey}}

	dir := contactkeys.NewDirectory("alice", &db.ContactKey, fetcher, zerolog.Nop())
	_, err := dir.Get(ctx, "bob")
	require.NoError(t, err)
	_, err = dir.Get(ctx, "dave")
	require.NoError(t, err)
	require.NoError(t, db.ContactKey.SetRaw(ctx, "alice", "bob", "{not json"))

	fresh := contactkeys.NewDirectory("alice", &db.ContactKey, fetcher, zerolog.Nop())
	entry, err := fresh.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, contactkeys.SourceRemote, entry.Source)

	all, err := db.ContactKey.GetAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 1, "corrupt cache should have been cleared and only the refetched key stored")
	assert.Equal(t, id.Username("bob"), all[0].Username)
}

func TestDirectory_Purge(t *testing.T) {
	ctx := context.TODO()
	db := newTestDB(t)
	_, bobKey := newBobKey(t)
	fetcher := &countingFetcher{keys: map[id.Username]*jwk.Key{"bob": bobKey}}

	dir := contactkeys.NewDirectory("alice", &db.ContactKey, fetcher, zerolog.Nop())
	_, err := dir.Get(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, dir.Purge(ctx))

	entry, err := dir.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, contactkeys.SourceRemote, entry.Source)
	assert.EqualValues(t, 2, fetcher.calls.Load())
}

func TestMemoryTier_Immutable(t *testing.T) {
	ctx := context.TODO()
	_, first := newBobKey(t)
	_, second := newBobKey(t)
	tier := contactkeys.NewMemoryTier()
	require.NoError(t, tier.Put(ctx, "bob", first))
	require.NoError(t, tier.Put(ctx, "bob", second))
	got, err := tier.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, first, got)
}
