// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/keybackup"
	"github.com/messup-chat/messup-go/crypto/keyvault"
	"github.com/messup-chat/messup-go/database"
	"github.com/messup-chat/messup-go/id"
)

type memoryRemote struct {
	lock    sync.Mutex
	backups map[id.Username]*messup.ReqUploadPrivateKey
}

func (mr *memoryRemote) UploadPrivateKeyBackup(_ context.Context, req *messup.ReqUploadPrivateKey) error {
	mr.lock.Lock()
	defer mr.lock.Unlock()
	mr.backups[req.Username] = req
	return nil
}

func (mr *memoryRemote) GetPrivateKeyBackup(_ context.Context, username id.Username) (*messup.RespPrivateKeyBackup, error) {
	mr.lock.Lock()
	defer mr.lock.Unlock()
	req, ok := mr.backups[username]
	if !ok {
		return nil, fmt.Errorf("%w for %s", messup.ErrNoBackup, username)
	}
	return &messup.RespPrivateKeyBackup{
		EncryptedPrivateKey: req.EncryptedPrivateKey,
		Salt:                req.Salt,
		IV:                  req.IV,
	}, nil
}

func newTestVault(t *testing.T, username id.Username) *keyvault.Vault {
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
	return keyvault.NewVault(username, &db.KeyPair, zerolog.Nop())
}

func TestWrapUnwrap(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	backup, err := keybackup.Wrap(priv, "pw")
	require.NoError(t, err)
	assert.Len(t, backup.Salt, 16)
	assert.Len(t, backup.IV, 12)
	assert.Equal(t, keybackup.CurrentVersion, backup.Version)

	unwrapped, err := keybackup.Unwrap(backup, "pw")
	require.NoError(t, err)
	assert.True(t, priv.Equal(unwrapped))

	_, err = keybackup.Unwrap(backup, "wrong")
	assert.ErrorIs(t, err, keybackup.ErrIncorrectPassphrase)

	again, err := keybackup.Wrap(priv, "pw")
	require.NoError(t, err)
	assert.NotEqual(t, backup.Salt, again.Salt)
	assert.NotEqual(t, backup.EncryptedPrivateKey, again.EncryptedPrivateKey)
}

func TestUnwrap_Corrupted(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	backup, err := keybackup.Wrap(priv, "pw")
	require.NoError(t, err)

	backup.EncryptedPrivateKey[0] ^= 0xff
	_, err = keybackup.Unwrap(backup, "pw")
	assert.ErrorIs(t, err, keybackup.ErrIncorrectPassphrase)

	_, err = keybackup.FromResponse(&messup.RespPrivateKeyBackup{
		EncryptedPrivateKey: "not base64!",
		Salt:                "AAAA",
		IV:                  "AAAA",
	})
	assert.ErrorIs(t, err, keybackup.ErrIncorrectPassphrase)
}

func TestManager_PublishRestore(t *testing.T) {
	ctx := context.TODO()
	remote := &memoryRemote{backups: make(map[id.Username]*messup.ReqUploadPrivateKey)}

	original := newTestVault(t, "alice")
	pair, err := original.Generate(ctx)
	require.NoError(t, err)
	require.NoError(t, keybackup.NewManager(remote, original, zerolog.Nop()).Publish(ctx, "correct horse"))

	device := newTestVault(t, "alice")
	manager := keybackup.NewManager(remote, device, zerolog.Nop())
	_, err = manager.Restore(ctx, "battery staple")
	assert.ErrorIs(t, err, keybackup.ErrIncorrectPassphrase)
	assert.False(t, device.IsLoaded())

	restored, err := manager.Restore(ctx, "correct horse")
	require.NoError(t, err)
	assert.True(t, pair.Private.Equal(restored.Private))
	assert.True(t, pair.Public.Equal(restored.Public))

	loaded, err := keyvault.NewVault("alice", device.Store, zerolog.Nop()).Load(ctx)
	require.NoError(t, err)
	assert.True(t, pair.Public.Equal(loaded.Public))
	pending, err := device.IsUploadPending(ctx)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestManager_NoBackupIsDistinct(t *testing.T) {
	ctx := context.TODO()
	remote := &memoryRemote{backups: make(map[id.Username]*messup.ReqUploadPrivateKey)}
	manager := keybackup.NewManager(remote, newTestVault(t, "bob"), zerolog.Nop())

	_, err := manager.Restore(ctx, "anything")
	assert.ErrorIs(t, err, messup.ErrNoBackup)
	assert.False(t, errors.Is(err, keybackup.ErrIncorrectPassphrase))

	err = manager.Publish(ctx, "anything")
	assert.ErrorIs(t, err, keyvault.ErrNotLoaded)
}
