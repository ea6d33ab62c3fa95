// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"fmt"
)

// Destinations used on the real-time channel.
const (
	SendPrivateMessageDestination = "/app/sendPrivateMessage"
	MarkAsReadDestination         = "/app/markAsRead"
)

// PrivateInbox returns the destination that private messages addressed to the user are delivered to.
func (username Username) PrivateInbox() string {
	return fmt.Sprintf("/user/%s/private", username)
}

// ReadReceiptInbox returns the destination that read receipts for messages sent by the user are delivered to.
func (username Username) ReadReceiptInbox() string {
	return fmt.Sprintf("/user/%s/private/read-receipts", username)
}
