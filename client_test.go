// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package messup_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/mockserver"
)

func TestClient_PublicKeys(t *testing.T) {
	ms := mockserver.Create(t)
	cli := ms.Client(t, "alice")
	ctx := context.Background()

	_, err := cli.GetPublicKey(ctx, "alice")
	require.ErrorIs(t, err, messup.ErrKeyNotFound)
	var httpErr messup.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.True(t, httpErr.IsStatus(404))
	require.NotNil(t, httpErr.RespError)
	assert.NotEmpty(t, httpErr.RespError.Message)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	require.NoError(t, cli.UploadPublicKey(ctx, "alice", jwk.FromPublicKey(&priv.PublicKey)))

	fetched, err := ms.Client(t, "bob").GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	pub, err := fetched.PublicKey()
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))
}

func TestClient_PrivateKeyBackup(t *testing.T) {
	ms := mockserver.Create(t)
	cli := ms.Client(t, "alice")
	ctx := context.Background()

	_, err := cli.GetPrivateKeyBackup(ctx, "alice")
	require.ErrorIs(t, err, messup.ErrNoBackup)
	assert.NotErrorIs(t, err, messup.ErrKeyNotFound)

	req := &messup.ReqUploadPrivateKey{
		Username:            "alice",
		EncryptedPrivateKey: "Y2lwaGVydGV4dA==",
		Salt:                "c2FsdA==",
		IV:                  "aXY=",
	}
	require.NoError(t, cli.UploadPrivateKeyBackup(ctx, req))
	resp, err := cli.GetPrivateKeyBackup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, req.EncryptedPrivateKey, resp.EncryptedPrivateKey)
	assert.Equal(t, req.Salt, resp.Salt)
	assert.Equal(t, req.IV, resp.IV)
}

func TestClient_AuthRequired(t *testing.T) {
	ms := mockserver.Create(t)
	cli, err := messup.NewClient(ms.Server.URL)
	require.NoError(t, err)
	_, err = cli.GetCurrentUser(context.Background())
	assert.ErrorIs(t, err, messup.ErrAuthRequired)
	assert.NotErrorIs(t, err, messup.ErrNetwork)

	resp, err := ms.Client(t, "alice").GetCurrentUser(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, "alice", resp.Username)
}

func TestClient_NetworkError(t *testing.T) {
	cli, err := messup.NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	cli.DefaultHTTPRetries = 0
	_, err = cli.GetCurrentUser(context.Background())
	assert.ErrorIs(t, err, messup.ErrNetwork)
	assert.NotErrorIs(t, err, messup.ErrAuthRequired)
}

func TestClient_GetOldChat(t *testing.T) {
	ms := mockserver.Create(t)
	ms.Inject(&event.PrivateMessage{Sender: "bob", Receiver: "alice", Message: "hello", MediaType: event.MediaTypeText})
	ms.Inject(&event.PrivateMessage{Sender: "carol", Receiver: "alice", Message: "unrelated", MediaType: event.MediaTypeText})
	history, err := ms.Client(t, "alice").GetOldChat(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Message)
	require.NotNil(t, history[0].MessageID)
	assert.False(t, history[0].Timestamp.IsZero())
}
