// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hicli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/messup-chat/messup-go/id"
	"github.com/messup-chat/messup-go/timeline"
)

// OpenConversation loads the conversation's history and keeps it fresh while it's open.
func (h *HiClient) OpenConversation(ctx context.Context, peer id.Username) ([]*timeline.Message, error) {
	if h.loggedOut.Load() {
		return nil, ErrLoggedOut
	}
	h.lock.Lock()
	h.open[peer] = struct{}{}
	h.lock.Unlock()
	_, err := h.Timeline.LoadHistory(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if h.pollingActive.Load() {
		h.lock.Lock()
		if _, stillOpen := h.open[peer]; stillOpen {
			h.startPollerLocked(peer)
		}
		h.lock.Unlock()
	}
	return h.Timeline.Feed(peer), nil
}

func (h *HiClient) CloseConversation(peer id.Username) {
	h.lock.Lock()
	delete(h.open, peer)
	if cancel, ok := h.pollers[peer]; ok {
		cancel()
		delete(h.pollers, peer)
	}
	h.lock.Unlock()
}

// Conversations lists the peers with a loaded feed along with their unread count and newest message.
func (h *HiClient) Conversations() []*ConversationSummary {
	peers := h.Timeline.Conversations()
	out := make([]*ConversationSummary, len(peers))
	for i, peer := range peers {
		out[i] = &ConversationSummary{
			Peer:        peer,
			UnreadCount: h.Timeline.UnreadCount(peer),
			LastMessage: h.Timeline.LastMessage(peer),
		}
	}
	return out
}

type ConversationSummary struct {
	Peer        id.Username
	UnreadCount int
	LastMessage *timeline.Message
}

func (h *HiClient) openConversations() []id.Username {
	h.lock.Lock()
	defer h.lock.Unlock()
	peers := make([]id.Username, 0, len(h.open))
	for peer := range h.open {
		peers = append(peers, peer)
	}
	return peers
}

func (h *HiClient) reloadOpenConversations() {
	ctx := h.lifetime
	for _, peer := range h.openConversations() {
		if _, err := h.Timeline.LoadHistory(ctx, peer); err != nil && ctx.Err() == nil {
			zerolog.Ctx(ctx).Warn().Err(err).Stringer("peer", peer).Msg("Failed to reload history")
		}
	}
}

func (h *HiClient) enablePolling() {
	if h.lifetime.Err() != nil || !h.pollingActive.CompareAndSwap(false, true) {
		return
	}
	h.lock.Lock()
	for peer := range h.open {
		h.startPollerLocked(peer)
	}
	h.lock.Unlock()
}

func (h *HiClient) startPollerLocked(peer id.Username) {
	if _, ok := h.pollers[peer]; ok {
		return
	}
	ctx, cancel := context.WithCancel(h.lifetime)
	h.pollers[peer] = cancel
	go timeline.NewPoller(h.Timeline, h.PollInterval).Run(ctx, peer)
}

func (h *HiClient) stopPolling() {
	h.lock.Lock()
	for peer, cancel := range h.pollers {
		cancel()
		delete(h.pollers, peer)
	}
	h.lock.Unlock()
	h.pollingActive.Store(false)
}

// IsPolling returns true if open conversations are being refreshed by polling.
func (h *HiClient) IsPolling() bool {
	return h.pollingActive.Load()
}
