// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"github.com/messup-chat/messup-go/id"
)

type MediaType string

const (
	MediaTypeText  MediaType = "TEXT"
	MediaTypeImage MediaType = "IMAGE"
	MediaTypeVideo MediaType = "VIDEO"
	MediaTypeFile  MediaType = "FILE"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

// PrivateMessage is a one-to-one message as it's sent over the real-time channel and returned by the history endpoint.
//
// When IsEncrypted is true, Message contains an encrypted envelope as JSON. Receivers must still classify the
// payload themselves, as the flag is set by the sender.
type PrivateMessage struct {
	MessageID   *int64        `json:"messageId,omitempty"`
	Sender      id.Username   `json:"sender"`
	Receiver    id.Username   `json:"receiver"`
	Message     string        `json:"message"`
	IsEncrypted bool          `json:"isEncrypted"`
	MediaURL    string        `json:"mediaUrl,omitempty"`
	MediaType   MediaType     `json:"mediaType,omitempty"`
	Status      MessageStatus `json:"status,omitempty"`
	Timestamp   Timestamp     `json:"timestamp"`

	TransactionID id.TxnID `json:"clientTxnId,omitempty"`
}

// OtherParty returns the participant of the conversation that isn't the given user.
func (pm *PrivateMessage) OtherParty(self id.Username) id.Username {
	if pm.Sender == self {
		return pm.Receiver
	}
	return pm.Sender
}

// ReadReceipt is sent to /app/markAsRead by the reader, and delivered to the original sender's read receipt inbox.
type ReadReceipt struct {
	MessageID int64         `json:"messageId"`
	Status    MessageStatus `json:"status"`
}
