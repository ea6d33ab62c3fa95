// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hicli

import (
	"errors"

	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/id"
	"github.com/messup-chat/messup-go/session"
	"github.com/messup-chat/messup-go/timeline"
)

func (h *HiClient) handleMessage(msg *event.PrivateMessage) {
	if msg.Sender != h.Username && msg.Receiver != h.Username {
		h.Log.Warn().
			Stringer("sender", msg.Sender).
			Stringer("receiver", msg.Receiver).
			Msg("Dropping message not addressed to this user")
		return
	}
	received := h.Timeline.ReceiveLive(msg)
	if received == nil {
		h.Log.Debug().Stringer("sender", msg.Sender).Msg("Dropped duplicate live message")
	}
}

func (h *HiClient) handleReadReceipt(receipt *event.ReadReceipt) {
	if !h.Timeline.ApplyReadReceipt(receipt) {
		h.Log.Debug().Int64("message_id", receipt.MessageID).Msg("Read receipt for unknown message")
	}
}

func (h *HiClient) handleFeedUpdate(peer id.Username, feed []*timeline.Message) {
	h.dispatch(&FeedUpdated{Peer: peer, Feed: feed})
}

func (h *HiClient) handleStateChange(oldState, newState session.State) {
	evt := &ConnectionState{Old: oldState, New: newState}
	switch newState {
	case session.StateDisconnected:
		evt.Error = h.Session.LastError()
		if errors.Is(evt.Error, session.ErrReconnectExhausted) && !h.loggedOut.Load() {
			h.Log.Warn().Msg("Real-time session lost for good, falling back to polling")
			h.enablePolling()
		}
	case session.StateSubscribed:
		if h.lifetime.Err() == nil {
			// Messages may have been missed while the session was down
			go h.reloadOpenConversations()
		}
	}
	evt.Polling = h.pollingActive.Load()
	h.dispatch(evt)
}
