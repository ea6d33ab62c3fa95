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
	"strings"

	"github.com/rs/zerolog"

	"github.com/messup-chat/messup-go/crypto/envelope"
	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/id"
	"github.com/messup-chat/messup-go/timeline"
)

var ErrEmptyMessage = errors.New("message is empty")

// Send adds a temporary message to the peer's feed and then encrypts and sends it in the background.
// The result is reported with a SendComplete event. Failed messages stay in the feed marked as failed.
//
// Only the logger is taken from ctx. The background work is bound to the client's lifetime, so it
// isn't aborted when ctx is cancelled after Send returns.
func (h *HiClient) Send(ctx context.Context, peer id.Username, text string) (*timeline.Message, error) {
	if h.loggedOut.Load() {
		return nil, ErrLoggedOut
	} else if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	txnID := timeline.NewTransactionID()
	temp := h.Timeline.AppendTemporary(peer, text, txnID)
	sendCtx := h.lifetime
	if log := zerolog.Ctx(ctx); log.GetLevel() != zerolog.Disabled {
		sendCtx = log.WithContext(sendCtx)
	}
	go func() {
		ctx := sendCtx
		var err error
		var encrypted bool
		defer func() {
			if err != nil {
				h.Timeline.MarkSendFailed(peer, temp.ID)
				temp.SendFailed = true
			}
			h.dispatch(&SendComplete{
				Peer:      peer,
				Message:   temp,
				Encrypted: encrypted,
				Error:     err,
			})
		}()
		var body string
		body, encrypted, err = h.Encrypt(ctx, peer, text)
		if err != nil {
			return
		}
		err = h.Session.Send(&event.PrivateMessage{
			Sender:        h.Username,
			Receiver:      peer,
			Message:       body,
			IsEncrypted:   encrypted,
			MediaType:     event.MediaTypeText,
			TransactionID: txnID,
		})
		if err != nil {
			err = fmt.Errorf("failed to send message: %w", err)
			zerolog.Ctx(ctx).Err(err).
				Stringer("peer", peer).
				Stringer("transaction_id", txnID).
				Msg("Failed to send message")
		}
	}()
	return temp, nil
}

// Encrypt encrypts the text for the peer. If encryption isn't available and AllowPlaintextFallback is set,
// the text is returned as-is with encrypted set to false.
func (h *HiClient) Encrypt(ctx context.Context, peer id.Username, text string) (body string, encrypted bool, err error) {
	body, err = h.Crypto.Cipher.EncryptString(ctx, text, peer)
	if errors.Is(err, envelope.ErrEncryptionUnavailable) && h.AllowPlaintextFallback {
		zerolog.Ctx(ctx).Warn().Err(err).
			Stringer("peer", peer).
			Msg("Encryption unavailable, sending message unencrypted")
		return text, false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to encrypt message: %w", err)
	}
	return body, true, nil
}

// MarkRead marks every received message in the conversation as read and sends read receipts for them.
// The local state is updated even if sending the receipts fails.
func (h *HiClient) MarkRead(ctx context.Context, peer id.Username) error {
	serverIDs := h.Timeline.MarkRead(peer)
	var errs []error
	for _, serverID := range serverIDs {
		if err := h.Session.MarkAsRead(serverID); err != nil {
			errs = append(errs, fmt.Errorf("failed to send read receipt for %d: %w", serverID, err))
		}
	}
	if len(errs) > 0 {
		zerolog.Ctx(ctx).Warn().Int("failed_count", len(errs)).Stringer("peer", peer).Msg("Failed to send some read receipts")
	}
	return errors.Join(errs...)
}

// DiscardFailed removes a failed message from the feed.
func (h *HiClient) DiscardFailed(peer id.Username, msgID id.MessageID) bool {
	return h.Timeline.RemoveMessage(peer, msgID)
}
