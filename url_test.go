// Copyright (c) 2022 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package messup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/id"
)

func TestClient_BuildURL(t *testing.T) {
	cli, err := messup.NewClient("https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "https", cli.BaseURL.Scheme)
	assert.Equal(t, "example.com", cli.BaseURL.Host)
	assert.Equal(t, "", cli.BaseURL.Path)
	built := cli.BuildURL("api", "keys", "get", id.Username("foo/bar%2Füêà 1"))
	assert.Equal(t, "https://example.com/api/keys/get/foo%2Fbar%252F%F0%9F%90%88%201", built)
}

func TestClient_BuildURL_MissingSchemeWithPath(t *testing.T) {
	cli, err := messup.NewClient("example.com/base")
	require.NoError(t, err)
	assert.Equal(t, "https", cli.BaseURL.Scheme)
	assert.Equal(t, "/base", cli.BaseURL.Path)
	assert.Equal(t, "https://example.com/base/oldChat/alice", cli.BuildURL("oldChat", id.Username("alice")))
}

func TestClient_BuildWebsocketURL(t *testing.T) {
	cli, err := messup.NewClient("http://localhost:8080/")
	require.NoError(t, err)
	wsURL, err := cli.BuildWebsocketURL("/ws")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", wsURL)

	secure, err := messup.NewClient("https://chat.example.com")
	require.NoError(t, err)
	wsURL, err = secure.BuildWebsocketURL("ws/websocket")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws/websocket", wsURL)

	wsURL, err = secure.BuildWebsocketURL("wss://other.example.com/ws")
	require.NoError(t, err)
	assert.Equal(t, "wss://other.example.com/ws", wsURL)
}
