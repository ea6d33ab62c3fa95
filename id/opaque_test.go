// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/messup-chat/messup-go/id"
)

func TestMessageID_IsTemporary(t *testing.T) {
	assert.True(t, id.MessageID("msg-1712345678901-abcdefgh").IsTemporary())
	assert.False(t, id.ServerMessageID(1234).IsTemporary())
	assert.False(t, id.MessageID("msg-").IsTemporary())
	assert.Equal(t, id.MessageID("1234"), id.ServerMessageID(1234))
}

func TestUsername_Destinations(t *testing.T) {
	alice := id.Username("alice")
	assert.Equal(t, "/user/alice/private", alice.PrivateInbox())
	assert.Equal(t, "/user/alice/private/read-receipts", alice.ReadReceiptInbox())
}
