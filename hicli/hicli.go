// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package hicli contains a highly opinionated high-level framework for developing end-to-end encrypted chat clients.
package hicli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/cryptohelper"
	"github.com/messup-chat/messup-go/database"
	"github.com/messup-chat/messup-go/id"
	"github.com/messup-chat/messup-go/session"
	"github.com/messup-chat/messup-go/timeline"
)

// HiClient is the state of one logged-in identity: its local keys, real-time session and conversation feeds.
// Everything is scoped to the client, so a new HiClient must be created after logging out.
type HiClient struct {
	DB       *database.Database
	Client   *messup.Client
	Crypto   *cryptohelper.CryptoHelper
	Session  *session.Session
	Timeline *timeline.Reconciler
	Username id.Username
	Log      zerolog.Logger

	// EventHandler receives all events emitted by the client, see events.go for the types.
	// It's called synchronously and must not block.
	EventHandler func(evt any)

	// AllowPlaintextFallback makes Send deliver unencrypted messages when encryption isn't available.
	AllowPlaintextFallback bool
	// PollingFallback makes open conversations reload history every PollInterval even when the session is up.
	// Polling is also enabled automatically if the real-time session can't connect.
	PollingFallback bool
	PollInterval    time.Duration

	pollingActive atomic.Bool
	loggedOut     atomic.Bool

	lock     sync.Mutex
	open     map[id.Username]struct{}
	pollers  map[id.Username]context.CancelFunc
	lifetime context.Context
	stop     context.CancelFunc
}

// New creates a client for the given identity. The API client must already have the session cookie set.
// Relative websocket URLs are resolved against the API client's base URL.
func New(rawDB *dbutil.Database, client *messup.Client, websocketURLs []string, username id.Username, log zerolog.Logger) *HiClient {
	rawDB.Owner = "messup"
	rawDB.IgnoreForeignTables = true
	db := database.New(rawDB)
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "messup").Logger())
	client.Log = log.With().Str("component", "messup client").Logger()

	urls := make([]string, 0, len(websocketURLs))
	for _, raw := range websocketURLs {
		wsURL, err := client.BuildWebsocketURL(raw)
		if err != nil {
			log.Warn().Err(err).Str("url", raw).Msg("Ignoring invalid websocket URL")
			continue
		}
		urls = append(urls, wsURL)
	}

	h := &HiClient{
		DB:       db,
		Client:   client,
		Username: username,
		Log:      log,

		AllowPlaintextFallback: true,
		PollInterval:           timeline.DefaultPollInterval,

		open:    make(map[id.Username]struct{}),
		pollers: make(map[id.Username]context.CancelFunc),
	}
	h.lifetime, h.stop = context.WithCancel(log.WithContext(context.Background()))
	h.Crypto = cryptohelper.NewCryptoHelper(client, db, username, log)
	h.Crypto.RequestPassphrase = h.requestPassphrase
	h.Session = session.New(urls, client.Client.Jar, log)
	h.Session.OnStateChange = h.handleStateChange
	h.Session.OnMessage(h.handleMessage)
	h.Session.OnReadReceipt(h.handleReadReceipt)
	h.Timeline = timeline.NewReconciler(username, client, h.Crypto.Cipher, log)
	h.Timeline.OnUpdate = h.handleFeedUpdate
	return h
}

func (h *HiClient) dispatch(evt any) {
	if h.EventHandler != nil {
		h.EventHandler(evt)
	}
}

func (h *HiClient) IsLoggedIn() bool {
	return !h.loggedOut.Load()
}

// Start prepares the local database, initializes encryption and connects the real-time session.
//
// If the user cancels the passphrase prompt, the client is logged out and ErrUserCancelledSetup is returned.
// Other encryption errors are logged and the client continues without encryption.
func (h *HiClient) Start(ctx context.Context) error {
	if h.loggedOut.Load() {
		return ErrLoggedOut
	}
	err := h.DB.Upgrade(ctx)
	if err != nil {
		return fmt.Errorf("failed to upgrade messup db: %w", err)
	}
	err = h.initCrypto(ctx)
	if err != nil {
		return err
	}
	err = h.Session.Connect(ctx, h.Username)
	if errors.Is(err, session.ErrAllTransportsFailed) || errors.Is(err, session.ErrNoTransports) {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Real-time session unavailable, falling back to polling")
		h.enablePolling()
	} else if err != nil {
		return fmt.Errorf("failed to connect session: %w", err)
	}
	if h.PollingFallback {
		h.enablePolling()
	}
	return nil
}

// Stop disconnects the session and stops background work without touching any stored data.
func (h *HiClient) Stop() {
	h.stop()
	h.stopPolling()
	h.Session.Disconnect()
	h.Crypto.Close()
}
