// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package timeline merges message history and live messages into ordered per-conversation feeds.
package timeline

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/errgroup"

	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/id"
)

// DefaultDedupWindow is how close in time a message without a transaction ID must be to an existing message
// with the same sender and text to be treated as a duplicate of it.
const DefaultDedupWindow = 2 * time.Second

// HistoryFetcher fetches the message history of a conversation. It's implemented by *messup.Client.
type HistoryFetcher interface {
	GetOldChat(ctx context.Context, username id.Username) ([]*event.PrivateMessage, error)
}

// Reconciler keeps the feeds of every conversation of one identity.
//
// Feeds are always sorted by creation time. Each feed is keyed by the other participant's username.
type Reconciler struct {
	Self      id.Username
	History   HistoryFetcher
	Decryptor Decryptor
	Log       zerolog.Logger

	DedupWindow        time.Duration
	DecryptConcurrency int
	// OnUpdate is called with a copy of the feed after every change. It's called without any locks held.
	OnUpdate func(peer id.Username, feed []*Message)

	lock    sync.RWMutex
	feeds   map[id.Username][]*Message
	loading *exsync.Set[id.Username]
}

func NewReconciler(self id.Username, history HistoryFetcher, decryptor Decryptor, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		Self:      self,
		History:   history,
		Decryptor: decryptor,
		Log:       log.With().Str("component", "timeline").Logger(),

		DedupWindow:        DefaultDedupWindow,
		DecryptConcurrency: 4,

		feeds:   make(map[id.Username][]*Message),
		loading: exsync.NewSet[id.Username](),
	}
}

func cloneFeed(feed []*Message) []*Message {
	out := make([]*Message, len(feed))
	for i, msg := range feed {
		out[i] = msg.clone()
	}
	return out
}

func sortFeed(feed []*Message) {
	slices.SortStableFunc(feed, func(a, b *Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// insertSorted inserts the message after every message created at or before it.
func insertSorted(feed []*Message, msg *Message) []*Message {
	idx, _ := slices.BinarySearchFunc(feed, msg, func(existing, target *Message) int {
		if existing.CreatedAt.After(target.CreatedAt) {
			return 1
		}
		return -1
	})
	return slices.Insert(feed, idx, msg)
}

// unlockAndNotify releases the write lock and then passes a snapshot of the peer's feed to OnUpdate.
func (rec *Reconciler) unlockAndNotify(peer id.Username) {
	var snapshot []*Message
	if rec.OnUpdate != nil {
		snapshot = cloneFeed(rec.feeds[peer])
	}
	rec.lock.Unlock()
	if snapshot != nil {
		rec.OnUpdate(peer, snapshot)
	}
}

// Feed returns a copy of the conversation's feed.
func (rec *Reconciler) Feed(peer id.Username) []*Message {
	rec.lock.RLock()
	defer rec.lock.RUnlock()
	return cloneFeed(rec.feeds[peer])
}

// Conversations returns the usernames of every peer with a feed.
func (rec *Reconciler) Conversations() []id.Username {
	rec.lock.RLock()
	defer rec.lock.RUnlock()
	peers := make([]id.Username, 0, len(rec.feeds))
	for peer := range rec.feeds {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}

// LoadHistory fetches the conversation history and replaces the feed with it. Temporary messages that aren't
// in the history yet are kept, as are live messages that arrived after the server took its snapshot. If a load for the same conversation is already in progress, this returns
// false immediately without fetching.
func (rec *Reconciler) LoadHistory(ctx context.Context, peer id.Username) (bool, error) {
	if !rec.loading.Add(peer) {
		zerolog.Ctx(ctx).Debug().Stringer("peer", peer).Msg("History load already in progress")
		return false, nil
	}
	defer rec.loading.Remove(peer)
	raw, err := rec.History.GetOldChat(ctx, peer)
	if err != nil {
		return false, err
	}
	loaded := make([]*Message, len(raw))
	var eg errgroup.Group
	eg.SetLimit(max(rec.DecryptConcurrency, 1))
	for i, rawMsg := range raw {
		eg.Go(func() error {
			loaded[i] = convert(rawMsg, rec.Decryptor)
			return nil
		})
	}
	_ = eg.Wait()
	sortFeed(loaded)

	rec.lock.Lock()
	for _, existing := range rec.feeds[peer] {
		if existing.IsTemporary && !rec.matchesAny(existing, loaded) {
			loaded = insertSorted(loaded, existing)
		} else if !existing.IsTemporary && !rec.inHistory(existing, loaded) {
			loaded = insertSorted(loaded, existing)
		}
	}
	rec.feeds[peer] = loaded
	rec.unlockAndNotify(peer)
	zerolog.Ctx(ctx).Debug().
		Stringer("peer", peer).
		Int("message_count", len(loaded)).
		Msg("Loaded conversation history")
	return true, nil
}

func (rec *Reconciler) matchesAny(temp *Message, feed []*Message) bool {
	for _, msg := range feed {
		if temp.TransactionID != "" && msg.TransactionID == temp.TransactionID {
			return true
		} else if msg.TransactionID == "" && rec.isHeuristicDuplicate(temp, msg) {
			return true
		}
	}
	return false
}

func (rec *Reconciler) inHistory(msg *Message, history []*Message) bool {
	return slices.ContainsFunc(history, func(loaded *Message) bool {
		if msg.ServerID != 0 && loaded.ServerID != 0 {
			return msg.ServerID == loaded.ServerID
		}
		return rec.isHeuristicDuplicate(msg, loaded)
	})
}

func (rec *Reconciler) isHeuristicDuplicate(a, b *Message) bool {
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return a.Sender == b.Sender && a.Text == b.Text && delta < rec.DedupWindow
}

// ReceiveLive adds a message pushed over the real-time channel. The returned message is nil if the message
// was a duplicate of one already in the feed.
//
// A message carrying a transaction ID replaces the temporary message with the same ID. Otherwise, a message
// with the same sender and text as an existing one within DedupWindow is treated as the same message.
func (rec *Reconciler) ReceiveLive(raw *event.PrivateMessage) *Message {
	msg := convert(raw, rec.Decryptor)
	peer := raw.OtherParty(rec.Self)

	rec.lock.Lock()
	feed := rec.feeds[peer]
	replaceIdx := -1
	for i, existing := range feed {
		switch {
		case msg.TransactionID != "" && existing.TransactionID == msg.TransactionID:
			replaceIdx = i
		case msg.ServerID != 0 && existing.ServerID == msg.ServerID:
			rec.lock.Unlock()
			return nil
		case (msg.TransactionID == "" || existing.TransactionID == "") && rec.isHeuristicDuplicate(existing, msg):
			if !existing.IsTemporary {
				rec.lock.Unlock()
				return nil
			}
			replaceIdx = i
		default:
			continue
		}
		break
	}
	if replaceIdx >= 0 {
		if feed[replaceIdx].State == DeliveryRead {
			msg.State = DeliveryRead
		}
		feed = slices.Delete(feed, replaceIdx, replaceIdx+1)
	}
	rec.feeds[peer] = insertSorted(feed, msg)
	rec.unlockAndNotify(peer)
	return msg.clone()
}

// AppendTemporary adds a local echo of an outgoing message in the sent state.
func (rec *Reconciler) AppendTemporary(peer id.Username, text string, txnID id.TxnID) *Message {
	msg := &Message{
		ID:            NewTemporaryID(),
		TransactionID: txnID,
		Sender:        rec.Self,
		Receiver:      peer,
		Text:          text,
		MediaType:     event.MediaTypeText,
		CreatedAt:     time.Now(),
		State:         DeliverySent,
		IsTemporary:   true,
	}
	rec.lock.Lock()
	rec.feeds[peer] = insertSorted(rec.feeds[peer], msg)
	rec.unlockAndNotify(peer)
	return msg.clone()
}

func (rec *Reconciler) update(peer id.Username, filter func(msg *Message) bool, fn func(msg *Message)) int {
	rec.lock.Lock()
	count := 0
	for _, msg := range rec.feeds[peer] {
		if filter(msg) {
			fn(msg)
			count++
		}
	}
	if count > 0 {
		rec.unlockAndNotify(peer)
	} else {
		rec.lock.Unlock()
	}
	return count
}

// MarkSendFailed flags a temporary message as failed. Failed messages aren't retried automatically.
func (rec *Reconciler) MarkSendFailed(peer id.Username, msgID id.MessageID) bool {
	return rec.update(peer, func(msg *Message) bool {
		return msg.ID == msgID && msg.IsTemporary
	}, func(msg *Message) {
		msg.SendFailed = true
	}) > 0
}

// RemoveMessage drops a message from the feed, e.g. a failed temporary message the user discarded.
func (rec *Reconciler) RemoveMessage(peer id.Username, msgID id.MessageID) bool {
	rec.lock.Lock()
	feed := rec.feeds[peer]
	idx := slices.IndexFunc(feed, func(msg *Message) bool {
		return msg.ID == msgID
	})
	if idx < 0 {
		rec.lock.Unlock()
		return false
	}
	rec.feeds[peer] = slices.Delete(feed, idx, idx+1)
	rec.unlockAndNotify(peer)
	return true
}

// ApplyReadReceipt marks the message with the given server ID as read.
func (rec *Reconciler) ApplyReadReceipt(receipt *event.ReadReceipt) bool {
	if receipt.Status != event.StatusRead {
		return false
	}
	rec.lock.Lock()
	for peer, feed := range rec.feeds {
		for _, msg := range feed {
			if msg.ServerID == receipt.MessageID {
				msg.State = DeliveryRead
				rec.unlockAndNotify(peer)
				return true
			}
		}
	}
	rec.lock.Unlock()
	return false
}

// MarkRead marks every unread message from the peer as read and returns the server IDs that need a receipt.
func (rec *Reconciler) MarkRead(peer id.Username) []int64 {
	var serverIDs []int64
	rec.update(peer, func(msg *Message) bool {
		return msg.Sender == peer && msg.State != DeliveryRead
	}, func(msg *Message) {
		msg.State = DeliveryRead
		if msg.ServerID != 0 {
			serverIDs = append(serverIDs, msg.ServerID)
		}
	})
	return serverIDs
}

// UnreadCount returns the number of messages from the peer that haven't been read.
func (rec *Reconciler) UnreadCount(peer id.Username) int {
	rec.lock.RLock()
	defer rec.lock.RUnlock()
	count := 0
	for _, msg := range rec.feeds[peer] {
		if msg.Sender == peer && msg.State != DeliveryRead {
			count++
		}
	}
	return count
}

// LastMessage returns the newest message of the conversation, or nil if the feed is empty.
func (rec *Reconciler) LastMessage(peer id.Username) *Message {
	rec.lock.RLock()
	defer rec.lock.RUnlock()
	feed := rec.feeds[peer]
	if len(feed) == 0 {
		return nil
	}
	return feed[len(feed)-1].clone()
}

// Reset drops every feed.
func (rec *Reconciler) Reset() {
	rec.lock.Lock()
	rec.feeds = make(map[id.Username][]*Message)
	rec.lock.Unlock()
}
