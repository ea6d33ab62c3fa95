// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package timeline

import (
	"fmt"
	"strings"
	"time"

	"go.mau.fi/util/random"

	"github.com/messup-chat/messup-go/crypto/envelope"
	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/id"
)

type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// Message is a single entry in a conversation feed.
type Message struct {
	ID            id.MessageID
	ServerID      int64
	TransactionID id.TxnID
	Sender        id.Username
	Receiver      id.Username
	Text          string
	Image         string
	MediaType     event.MediaType
	CreatedAt     time.Time
	State         DeliveryState

	IsEncrypted      bool
	DecryptionFailed bool
	IsTemporary      bool
	SendFailed       bool
}

func (msg *Message) clone() *Message {
	copied := *msg
	return &copied
}

// NewTemporaryID generates an ID for a local echo that hasn't been confirmed by the server yet.
func NewTemporaryID() id.MessageID {
	return id.MessageID(fmt.Sprintf("msg-%d-%s", time.Now().UnixMilli(), strings.ToLower(random.String(9))))
}

// NewTransactionID generates a client transaction ID for an outgoing message.
func NewTransactionID() id.TxnID {
	return id.TxnID("messup-" + random.String(16))
}

// Decryptor decrypts message bodies. It's implemented by *envelope.Cipher.
type Decryptor interface {
	DecryptOrMarker(body string) (string, bool)
}

func stateFromStatus(status event.MessageStatus) DeliveryState {
	if status == event.StatusRead {
		return DeliveryRead
	}
	return DeliveryDelivered
}

// convert maps a server message to the feed representation, decrypting it if the body is an envelope.
// Plaintext bodies are never passed to the decryptor.
func convert(raw *event.PrivateMessage, decryptor Decryptor) *Message {
	msg := &Message{
		TransactionID: raw.TransactionID,
		Sender:        raw.Sender,
		Receiver:      raw.Receiver,
		Text:          raw.Message,
		Image:         raw.MediaURL,
		MediaType:     raw.MediaType,
		CreatedAt:     raw.Timestamp.Time,
		State:         stateFromStatus(raw.Status),
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if raw.MessageID != nil {
		msg.ServerID = *raw.MessageID
		msg.ID = id.ServerMessageID(*raw.MessageID)
	} else {
		msg.ID = id.MessageID(fmt.Sprintf("%s:%d", raw.Sender, msg.CreatedAt.UnixMilli()))
	}
	switch {
	case msg.Text == "" && msg.Image == "":
		msg.Text = envelope.MarkerEmpty
		msg.DecryptionFailed = true
	case envelope.IsEncrypted(msg.Text):
		msg.IsEncrypted = true
		if decryptor == nil {
			msg.Text = envelope.MarkerUndecryptable
			msg.DecryptionFailed = true
		} else {
			msg.Text, msg.DecryptionFailed = decryptor.DecryptOrMarker(msg.Text)
		}
	}
	return msg
}
