// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hicli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/messup-chat/messup-go/crypto/cryptohelper"
)

var ErrLoggedOut = errors.New("client is logged out")

func (h *HiClient) requestPassphrase(req *cryptohelper.PassphraseRequest) {
	h.dispatch(&PassphraseRequested{PassphraseRequest: req})
}

func (h *HiClient) initCrypto(ctx context.Context) error {
	err := h.Crypto.Init(ctx)
	if errors.Is(err, cryptohelper.ErrUserCancelledSetup) {
		zerolog.Ctx(ctx).Info().Msg("Encryption setup cancelled, logging out")
		if logoutErr := h.logout(ctx, err); logoutErr != nil {
			zerolog.Ctx(ctx).Err(logoutErr).Msg("Failed to clean up after cancelled encryption setup")
		}
		return err
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	} else if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to initialize encryption, continuing without it")
	}
	return nil
}

// RegenerateKeys replaces the identity's key pair. The new private key is backed up with the given passphrase.
func (h *HiClient) RegenerateKeys(ctx context.Context, passphrase string) error {
	if h.loggedOut.Load() {
		return ErrLoggedOut
	}
	err := h.Crypto.RegenerateKeys(ctx, passphrase)
	if err != nil {
		return fmt.Errorf("failed to regenerate keys: %w", err)
	}
	return nil
}

// Logout tears down the session, forgets the loaded keys and purges cached contact keys.
// A LoggedOut event is emitted afterwards.
func (h *HiClient) Logout(ctx context.Context) error {
	return h.logout(ctx, nil)
}

func (h *HiClient) logout(ctx context.Context, reason error) error {
	if !h.loggedOut.CompareAndSwap(false, true) {
		return nil
	}
	h.stop()
	h.stopPolling()
	h.Session.Disconnect()
	err := h.Crypto.Logout(ctx)
	h.Timeline.Reset()
	h.lock.Lock()
	clear(h.open)
	h.lock.Unlock()
	h.dispatch(&LoggedOut{Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to purge contact keys: %w", err)
	}
	return nil
}
