// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package envelope implements hybrid encryption of chat messages.
//
// Every message is encrypted with a fresh AES-256-GCM session key, which is then wrapped with RSA-OAEP
// for both the recipient and the sender, so that both parties can decrypt the message later.
package envelope

import (
	"strings"

	"github.com/tidwall/gjson"
	"go.mau.fi/util/jsontime"

	"github.com/messup-chat/messup-go/id"
)

// Envelope is the wire format of an encrypted message body. Binary fields are standard base64 in JSON.
type Envelope struct {
	EncryptedMessage         []byte             `json:"encryptedMessage"`
	EncryptedKeyForRecipient []byte             `json:"encryptedKeyForRecipient"`
	EncryptedKeyForSender    []byte             `json:"encryptedKeyForSender"`
	IV                       []byte             `json:"iv"`
	EncryptedFor             id.Username        `json:"encryptedFor"`
	EncryptedBy              id.Username        `json:"encryptedBy"`
	Timestamp                jsontime.UnixMilli `json:"timestamp"`
}

var requiredFields = []string{"encryptedMessage", "encryptedKeyForRecipient", "encryptedKeyForSender", "iv"}

// IsEncrypted returns true if the message body is an encrypted envelope.
// Anything else, including JSON objects with some envelope fields missing or empty, is plaintext.
func IsEncrypted(body string) bool {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") || !gjson.Valid(body) {
		return false
	}
	fields := gjson.GetMany(body, requiredFields...)
	for _, field := range fields {
		if field.Type != gjson.String || field.Str == "" {
			return false
		}
	}
	return true
}
