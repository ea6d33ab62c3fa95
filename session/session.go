// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package session maintains the real-time messaging connection of a single identity.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/id"
	"github.com/messup-chat/messup-go/stomp"
)

var (
	ErrNotReady             = stomp.ErrNotReady
	ErrAlreadyConnected     = errors.New("session is already connected")
	ErrNoTransports         = errors.New("no websocket URLs configured")
	ErrAllTransportsFailed  = errors.New("all transports failed to connect")
	ErrReconnectExhausted   = errors.New("gave up reconnecting")
	ErrSubscribeTimeout     = errors.New("transport didn't become ready for subscribing")
	ErrDisconnectedManually = errors.New("session was disconnected")
)

type MessageHandler func(msg *event.PrivateMessage)
type ReceiptHandler func(receipt *event.ReadReceipt)

// Session is the real-time connection of one identity. It subscribes to the identity's inboxes and fans out
// every received message to all registered handlers.
type Session struct {
	// URLs are the websocket endpoints to try, in order.
	URLs []string
	Jar  http.CookieJar
	Dial DialFunc
	Log  zerolog.Logger

	SubscribeRetryMin time.Duration
	SubscribeRetryMax time.Duration
	SubscribeAttempts int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ReconnectAttempts int
	HandshakeTimeout  time.Duration

	OnStateChange func(oldState, newState State)

	messageHandlers  *exsync.Map[id.HandlerID, MessageHandler]
	receiptHandlers  *exsync.Map[id.HandlerID, ReceiptHandler]
	transportGen     atomic.Int64
	reconnectRunning atomic.Bool

	stateLock sync.Mutex
	state     State
	lastErr   error

	lock             sync.Mutex
	username         id.Username
	transport        Transport
	subs             []*stomp.Subscription
	lifetime         context.Context
	stop             context.CancelFunc
	reconnectPending bool
	reconnectCause   error
}

func New(urls []string, jar http.CookieJar, log zerolog.Logger) *Session {
	return &Session{
		URLs: urls,
		Jar:  jar,
		Dial: dialSTOMP,
		Log:  log.With().Str("component", "session").Logger(),

		SubscribeRetryMin: 100 * time.Millisecond,
		SubscribeRetryMax: 500 * time.Millisecond,
		SubscribeAttempts: 20,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		ReconnectAttempts: 5,
		HandshakeTimeout:  10 * time.Second,

		messageHandlers: exsync.NewMap[id.HandlerID, MessageHandler](),
		receiptHandlers: exsync.NewMap[id.HandlerID, ReceiptHandler](),
	}
}

func (s *Session) State() State {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// LastError returns the error that caused the session to end up disconnected, if any.
func (s *Session) LastError() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.lastErr
}

func (s *Session) setState(newState State, err error) {
	s.stateLock.Lock()
	oldState := s.state
	s.state = newState
	if newState == StateSubscribed {
		s.lastErr = nil
	} else if err != nil {
		s.lastErr = err
	}
	s.stateLock.Unlock()
	if oldState == newState {
		return
	}
	s.Log.Debug().Stringer("old_state", oldState).Stringer("new_state", newState).Msg("Session state changed")
	if s.OnStateChange != nil {
		s.OnStateChange(oldState, newState)
	}
}

// IsConnected returns true if messages can be sent.
func (s *Session) IsConnected() bool {
	s.lock.Lock()
	transport := s.transport
	s.lock.Unlock()
	return s.State() == StateSubscribed && transport != nil && transport.IsReady()
}

// OnMessage registers a handler for incoming private messages. Handlers are called from the transport's
// read loop and must not block.
func (s *Session) OnMessage(handler MessageHandler) id.HandlerID {
	handlerID := id.HandlerID(xid.New().String())
	s.messageHandlers.Set(handlerID, handler)
	return handlerID
}

// OnReadReceipt registers a handler for read receipts of messages sent by this identity.
func (s *Session) OnReadReceipt(handler ReceiptHandler) id.HandlerID {
	handlerID := id.HandlerID(xid.New().String())
	s.receiptHandlers.Set(handlerID, handler)
	return handlerID
}

func (s *Session) RemoveHandler(handlerID id.HandlerID) {
	s.messageHandlers.Delete(handlerID)
	s.receiptHandlers.Delete(handlerID)
}

// Connect opens the transport and subscribes to the identity's inboxes. Transport losses afterwards are
// handled automatically by reconnecting with backoff.
func (s *Session) Connect(ctx context.Context, username id.Username) error {
	if len(s.URLs) == 0 {
		return ErrNoTransports
	}
	s.lock.Lock()
	if s.lifetime != nil && s.lifetime.Err() == nil {
		s.lock.Unlock()
		return ErrAlreadyConnected
	}
	s.username = username
	s.reconnectPending, s.reconnectCause = false, nil
	s.lifetime, s.stop = context.WithCancel(s.Log.WithContext(context.Background()))
	lifetime := s.lifetime
	s.lock.Unlock()

	err := s.connect(ctx, lifetime)
	if err != nil {
		s.lock.Lock()
		s.stop()
		s.lock.Unlock()
		s.setState(StateDisconnected, err)
		return err
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (Transport, int64, error) {
	var errs []error
	for _, url := range s.URLs {
		gen := s.transportGen.Add(1)
		transport, err := s.Dial(ctx, url, stomp.DialOptions{
			Jar:              s.Jar,
			HandshakeTimeout: s.HandshakeTimeout,
			Log:              s.Log,
			OnClose: func(err error) {
				s.transportClosed(gen, err)
			},
		})
		if err == nil {
			return transport, gen, nil
		}
		s.Log.Warn().Err(err).Str("url", url).Msg("Failed to connect transport, trying next one")
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, 0, fmt.Errorf("%w: %w", ErrAllTransportsFailed, errors.Join(errs...))
}

func (s *Session) connect(ctx, lifetime context.Context) error {
	s.setState(StateConnecting, nil)
	transport, gen, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.setState(StateConnected, nil)
	s.setState(StateSubscribing, nil)
	subs, err := s.subscribeWithRetry(ctx, transport)
	if err != nil {
		_ = transport.Close()
		return err
	}
	s.lock.Lock()
	if lifetime.Err() != nil {
		s.lock.Unlock()
		_ = transport.Close()
		return ErrDisconnectedManually
	}
	s.transport = transport
	s.subs = subs
	s.lock.Unlock()
	select {
	case <-transport.Done():
		// The transport died while subscribing, its close callback was ignored because it wasn't installed yet.
		go s.transportClosed(gen, transport.Err())
	default:
		s.setState(StateSubscribed, nil)
	}
	s.Log.Info().Msg("Session subscribed")
	return nil
}

func (s *Session) subscribeWithRetry(ctx context.Context, transport Transport) ([]*stomp.Subscription, error) {
	s.lock.Lock()
	username := s.username
	s.lock.Unlock()
	destinations := []struct {
		dest    string
		handler stomp.MessageHandler
	}{
		{username.PrivateInbox(), s.dispatchMessage},
		{username.ReadReceiptInbox(), s.dispatchReceipt},
	}
	subs := make([]*stomp.Subscription, 0, len(destinations))
	delay := s.SubscribeRetryMin
	attempt := 0
	for _, target := range destinations {
		for {
			sub, err := transport.Subscribe(target.dest, target.handler)
			if err == nil {
				subs = append(subs, sub)
				break
			} else if !errors.Is(err, ErrNotReady) {
				return nil, fmt.Errorf("failed to subscribe to %s: %w", target.dest, err)
			}
			attempt++
			if attempt >= s.SubscribeAttempts {
				return nil, ErrSubscribeTimeout
			}
			s.Log.Trace().Int("attempt", attempt).Stringer("retry_in", delay).Msg("Transport not ready for subscribing yet")
			select {
			case <-time.After(delay):
			case <-transport.Done():
				if err = transport.Err(); err == nil {
					err = stomp.ErrClosed
				}
				return nil, fmt.Errorf("transport closed while subscribing: %w", err)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = min(delay*2, s.SubscribeRetryMax)
		}
	}
	return subs, nil
}

func (s *Session) transportClosed(gen int64, err error) {
	s.lock.Lock()
	if gen != s.transportGen.Load() || s.transport == nil || s.lifetime == nil || s.lifetime.Err() != nil {
		s.lock.Unlock()
		return
	}
	s.transport = nil
	s.subs = nil
	s.reconnectPending, s.reconnectCause = true, err
	lifetime := s.lifetime
	s.lock.Unlock()
	s.Log.Warn().Err(err).Msg("Transport lost, reconnecting")
	go s.reconnectLoop(lifetime)
}

func (s *Session) takeReconnectRequest() (pending bool, cause error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	pending, cause = s.reconnectPending, s.reconnectCause
	s.reconnectPending, s.reconnectCause = false, nil
	return
}

func (s *Session) hasReconnectRequest() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.reconnectPending
}

// reconnectLoop runs at most one reconnect sequence at a time. A transport lost while a sequence is
// running leaves a pending request behind, which the running loop picks up before exiting.
func (s *Session) reconnectLoop(ctx context.Context) {
	for s.reconnectRunning.CompareAndSwap(false, true) {
		if pending, cause := s.takeReconnectRequest(); pending {
			s.reconnect(ctx, cause)
		}
		s.reconnectRunning.Store(false)
		if ctx.Err() != nil || !s.hasReconnectRequest() {
			return
		}
	}
}

func (s *Session) reconnect(ctx context.Context, cause error) {
	s.setState(StateReconnecting, cause)
	delay := s.ReconnectDelay
	for attempt := 1; attempt <= s.ReconnectAttempts; attempt++ {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		err := s.connect(ctx, ctx)
		if err == nil {
			return
		} else if ctx.Err() != nil {
			return
		}
		s.Log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
		s.setState(StateReconnecting, err)
		delay = min(delay*2, s.MaxReconnectDelay)
	}
	s.Log.Error().Msg("Giving up on reconnecting")
	s.lock.Lock()
	if s.lifetime == ctx {
		s.stop()
	}
	s.lock.Unlock()
	s.setState(StateDisconnected, ErrReconnectExhausted)
}

func (s *Session) dispatchMessage(frame *stomp.Frame) {
	var msg event.PrivateMessage
	if err := json.Unmarshal(frame.Body, &msg); err != nil {
		s.Log.Warn().Err(err).Msg("Failed to parse incoming message")
		return
	}
	for _, handler := range s.messageHandlers.CopyData() {
		handler(&msg)
	}
}

func (s *Session) dispatchReceipt(frame *stomp.Frame) {
	var receipt event.ReadReceipt
	if err := json.Unmarshal(frame.Body, &receipt); err != nil {
		s.Log.Warn().Err(err).Msg("Failed to parse read receipt")
		return
	}
	for _, handler := range s.receiptHandlers.CopyData() {
		handler(&receipt)
	}
}

func (s *Session) readyTransport() (Transport, error) {
	s.lock.Lock()
	transport := s.transport
	s.lock.Unlock()
	if transport == nil || s.State() != StateSubscribed || !transport.IsReady() {
		return nil, ErrNotReady
	}
	return transport, nil
}

// Send publishes a private message. It fails with ErrNotReady unless the session is subscribed.
func (s *Session) Send(msg *event.PrivateMessage) error {
	transport, err := s.readyTransport()
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return transport.Send(id.SendPrivateMessageDestination, "application/json", body)
}

// MarkAsRead tells the server that the message with the given server ID has been read.
func (s *Session) MarkAsRead(messageID int64) error {
	transport, err := s.readyTransport()
	if err != nil {
		return err
	}
	body, err := json.Marshal(&event.ReadReceipt{MessageID: messageID, Status: event.StatusRead})
	if err != nil {
		return err
	}
	return transport.Send(id.MarkAsReadDestination, "application/json", body)
}

// Disconnect unsubscribes from everything and closes the transport. Unsubscribe errors are logged and ignored.
// Pending reconnect attempts are cancelled.
func (s *Session) Disconnect() {
	s.lock.Lock()
	if s.stop != nil {
		s.stop()
	}
	transport, subs := s.transport, s.subs
	s.transport, s.subs = nil, nil
	s.lock.Unlock()
	if transport != nil {
		for _, sub := range subs {
			if err := transport.Unsubscribe(sub); err != nil {
				s.Log.Warn().Err(err).Str("destination", sub.Destination).Msg("Failed to unsubscribe")
			}
		}
		if err := transport.Close(); err != nil {
			s.Log.Warn().Err(err).Msg("Failed to close transport")
		}
	}
	s.setState(StateDisconnected, nil)
}
