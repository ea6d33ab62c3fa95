// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"strconv"
)

// A Username identifies an account on the chat server. It is also the identity that local keys are scoped to.
type Username string

// A MessageID references a single message in a conversation feed.
//
// Messages confirmed by the server use the decimal form of the server-assigned numeric ID,
// while temporary local echoes use an ID starting with "msg-".
type MessageID string

// A TxnID is a client-generated transaction ID that is sent along with outgoing messages,
// so that the server echo can be matched with the local echo.
type TxnID string

// A HandlerID references a registered message handler.
type HandlerID string

func (username Username) String() string {
	return string(username)
}

func (messageID MessageID) String() string {
	return string(messageID)
}

func (txnID TxnID) String() string {
	return string(txnID)
}

func (handlerID HandlerID) String() string {
	return string(handlerID)
}

// ServerMessageID returns the MessageID for a server-assigned numeric message ID.
func ServerMessageID(serverID int64) MessageID {
	return MessageID(strconv.FormatInt(serverID, 10))
}

// IsTemporary returns true if the message ID was generated locally and hasn't been confirmed by the server.
func (messageID MessageID) IsTemporary() bool {
	return len(messageID) > 4 && messageID[:4] == "msg-"
}
