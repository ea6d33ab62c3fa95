// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cryptohelper

import (
	"context"
	"sync"

	"github.com/messup-chat/messup-go/id"
)

// PassphraseRequestKind describes why a passphrase is being requested.
type PassphraseRequestKind int

const (
	// PassphraseRestore asks for the passphrase of an existing backup.
	PassphraseRestore PassphraseRequestKind = iota
	// PassphraseIncorrectRetry asks again after an incorrect passphrase.
	PassphraseIncorrectRetry
	// PassphraseCreateNew asks for a new passphrase to protect newly generated keys.
	PassphraseCreateNew
)

func (kind PassphraseRequestKind) String() string {
	switch kind {
	case PassphraseRestore:
		return "restore"
	case PassphraseIncorrectRetry:
		return "incorrect-retry"
	case PassphraseCreateNew:
		return "create-new"
	default:
		return "unknown"
	}
}

type passphraseResponse struct {
	passphrase string
	cancelled  bool
}

// PassphraseRequest is emitted when key initialization needs the user's passphrase.
// Exactly one of Provide or Cancel should be called, later calls are ignored.
type PassphraseRequest struct {
	Kind     PassphraseRequestKind
	Username id.Username

	once     sync.Once
	response chan passphraseResponse
}

func newPassphraseRequest(kind PassphraseRequestKind, username id.Username) *PassphraseRequest {
	return &PassphraseRequest{
		Kind:     kind,
		Username: username,
		response: make(chan passphraseResponse, 1),
	}
}

func (req *PassphraseRequest) Provide(passphrase string) {
	req.once.Do(func() {
		req.response <- passphraseResponse{passphrase: passphrase}
	})
}

func (req *PassphraseRequest) Cancel() {
	req.once.Do(func() {
		req.response <- passphraseResponse{cancelled: true}
	})
}

func (req *PassphraseRequest) wait(ctx context.Context) (string, error) {
	select {
	case resp := <-req.response:
		if resp.cancelled {
			return "", ErrUserCancelledSetup
		}
		return resp.passphrase, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
