// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hicli

import (
	"github.com/messup-chat/messup-go/crypto/cryptohelper"
	"github.com/messup-chat/messup-go/id"
	"github.com/messup-chat/messup-go/session"
	"github.com/messup-chat/messup-go/timeline"
)

// FeedUpdated contains the full feed of a conversation after any change to it.
type FeedUpdated struct {
	Peer id.Username
	Feed []*timeline.Message
}

type ConnectionState struct {
	Old     session.State
	New     session.State
	Error   error
	Polling bool
}

// PassphraseRequested must be answered by calling Provide or Cancel on the request.
type PassphraseRequested struct {
	*cryptohelper.PassphraseRequest
}

type SendComplete struct {
	Peer      id.Username
	Message   *timeline.Message
	Encrypted bool
	Error     error
}

type LoggedOut struct {
	Reason error
}
