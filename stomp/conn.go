// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package stomp implements a STOMP 1.2 client over websockets.
package stomp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

var (
	ErrNotReady         = errors.New("stomp connection is not ready")
	ErrClosed           = errors.New("stomp connection closed")
	ErrUnknownSubscribe = errors.New("unknown subscription")
)

// ServerError is returned when the server sends an ERROR frame.
type ServerError struct {
	Message string
	Body    string
}

func (se *ServerError) Error() string {
	if se.Body != "" {
		return fmt.Sprintf("stomp server error: %s (%s)", se.Message, se.Body)
	}
	return fmt.Sprintf("stomp server error: %s", se.Message)
}

type MessageHandler func(frame *Frame)

type Subscription struct {
	ID          string
	Destination string
	handler     MessageHandler
}

type DialOptions struct {
	Header           http.Header
	Jar              http.CookieJar
	HandshakeTimeout time.Duration
	Log              zerolog.Logger
	// OnClose is called once when the connection is closed for any reason.
	OnClose func(err error)
}

// Conn is a STOMP client connection. The websocket being connected and the STOMP session being ready
// are separate states: frames can only be sent after the server's CONNECTED frame has arrived.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeLock sync.Mutex
	ready     atomic.Bool
	readyChan chan struct{}
	subs      *exsync.Map[string, *Subscription]
	nextSubID atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	err       error
	onClose   func(err error)

	Version string
	Server  string
}

// Dial opens a websocket connection and sends the CONNECT frame. It returns as soon as the websocket is open,
// use Ready or WaitReady to wait for the STOMP session.
func Dial(ctx context.Context, wsURL string, opts DialOptions) (*Conn, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	dialer := *websocket.DefaultDialer
	dialer.Jar = opts.Jar
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}
	ws, resp, err := dialer.DialContext(ctx, parsed.String(), opts.Header)
	if resp != nil && resp.StatusCode >= 400 {
		return nil, fmt.Errorf("websocket request returned HTTP %d", resp.StatusCode)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}
	conn := &Conn{
		ws:        ws,
		log:       opts.Log.With().Str("component", "stomp").Str("url", parsed.Redacted()).Logger(),
		readyChan: make(chan struct{}),
		subs:      exsync.NewMap[string, *Subscription](),
		done:      make(chan struct{}),
		onClose:   opts.OnClose,
	}
	err = conn.writeFrame(NewFrame(CommandConnect, Header{
		HeaderAcceptVersion: "1.2,1.1",
		HeaderHost:          parsed.Hostname(),
		HeaderHeartBeat:     "0,0",
	}, nil))
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to send CONNECT frame: %w", err)
	}
	go conn.readLoop()
	return conn, nil
}

func (conn *Conn) writeFrame(frame *Frame) error {
	conn.writeLock.Lock()
	defer conn.writeLock.Unlock()
	return conn.ws.WriteMessage(websocket.TextMessage, frame.Encode())
}

func (conn *Conn) readLoop() {
	var err error
	defer func() {
		conn.closeWithError(err)
	}()
	for {
		var data []byte
		_, data, err = conn.ws.ReadMessage()
		if err != nil {
			select {
			case <-conn.done:
				err = nil
			default:
				err = fmt.Errorf("failed to read from websocket: %w", err)
			}
			return
		}
		var frames []*Frame
		frames, err = Decode(data)
		if err != nil {
			conn.log.Warn().Err(err).Msg("Failed to decode frame")
			err = nil
		}
		for _, frame := range frames {
			if err = conn.handleFrame(frame); err != nil {
				return
			}
		}
	}
}

func (conn *Conn) handleFrame(frame *Frame) error {
	switch frame.Command {
	case CommandConnected:
		conn.Version = frame.Get(HeaderVersion)
		conn.Server = frame.Get(HeaderServer)
		if conn.ready.CompareAndSwap(false, true) {
			close(conn.readyChan)
		}
		conn.log.Debug().Str("version", conn.Version).Msg("STOMP session ready")
	case CommandMessage:
		subID := frame.Get(HeaderSubscription)
		sub, ok := conn.subs.Get(subID)
		if !ok {
			conn.log.Debug().Str("subscription_id", subID).Msg("Dropping message for unknown subscription")
			return nil
		}
		sub.handler(frame)
	case CommandReceipt:
		conn.log.Trace().Str("receipt_id", frame.Get(HeaderReceiptID)).Msg("Received receipt")
	case CommandError:
		return &ServerError{Message: frame.Get(HeaderMessage), Body: string(frame.Body)}
	default:
		conn.log.Debug().Str("command", string(frame.Command)).Msg("Ignoring unexpected frame")
	}
	return nil
}

func (conn *Conn) closeWithError(err error) {
	conn.closeOnce.Do(func() {
		conn.err = err
		conn.ready.Store(false)
		close(conn.done)
		closeErr := conn.ws.Close()
		if closeErr != nil {
			conn.log.Debug().Err(closeErr).Msg("Error closing websocket")
		}
		if err != nil {
			conn.log.Warn().Err(err).Msg("STOMP connection closed with error")
		}
		if conn.onClose != nil {
			go conn.onClose(err)
		}
	})
}

// Ready returns a channel that is closed once the server has accepted the STOMP session.
func (conn *Conn) Ready() <-chan struct{} {
	return conn.readyChan
}

func (conn *Conn) IsReady() bool {
	return conn.ready.Load()
}

// WaitReady blocks until the session is ready, the connection closes or the context is cancelled.
func (conn *Conn) WaitReady(ctx context.Context) error {
	select {
	case <-conn.readyChan:
		return nil
	case <-conn.done:
		if conn.err != nil {
			return conn.err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed when the connection is closed.
func (conn *Conn) Done() <-chan struct{} {
	return conn.done
}

// Err returns the error that closed the connection, or nil if it was closed normally or is still open.
func (conn *Conn) Err() error {
	select {
	case <-conn.done:
		return conn.err
	default:
		return nil
	}
}

// Subscribe subscribes to the destination. Messages are passed to the handler from the read loop,
// so handlers must not block.
func (conn *Conn) Subscribe(destination string, handler MessageHandler) (*Subscription, error) {
	if !conn.IsReady() {
		return nil, ErrNotReady
	}
	sub := &Subscription{
		ID:          "sub-" + strconv.FormatInt(conn.nextSubID.Add(1)-1, 10),
		Destination: destination,
		handler:     handler,
	}
	conn.subs.Set(sub.ID, sub)
	err := conn.writeFrame(NewFrame(CommandSubscribe, Header{
		HeaderID:          sub.ID,
		HeaderDestination: destination,
	}, nil))
	if err != nil {
		conn.subs.Delete(sub.ID)
		return nil, fmt.Errorf("failed to send SUBSCRIBE frame: %w", err)
	}
	return sub, nil
}

func (conn *Conn) Unsubscribe(sub *Subscription) error {
	if _, ok := conn.subs.Get(sub.ID); !ok {
		return fmt.Errorf("%w %s", ErrUnknownSubscribe, sub.ID)
	}
	conn.subs.Delete(sub.ID)
	if !conn.IsReady() {
		return ErrNotReady
	}
	return conn.writeFrame(NewFrame(CommandUnsubscribe, Header{HeaderID: sub.ID}, nil))
}

// Send sends a message to the destination.
func (conn *Conn) Send(destination, contentType string, body []byte) error {
	if !conn.IsReady() {
		return ErrNotReady
	}
	header := Header{HeaderDestination: destination}
	if contentType != "" {
		header[HeaderContentType] = contentType
	}
	return conn.writeFrame(NewFrame(CommandSend, header, body))
}

// Close sends DISCONNECT if the session is ready and closes the websocket.
func (conn *Conn) Close() error {
	select {
	case <-conn.done:
		return nil
	default:
	}
	if conn.IsReady() {
		if err := conn.writeFrame(NewFrame(CommandDisconnect, nil, nil)); err != nil {
			conn.log.Debug().Err(err).Msg("Failed to send DISCONNECT frame")
		}
	}
	conn.writeLock.Lock()
	err := conn.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.writeLock.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		conn.log.Debug().Err(err).Msg("Failed to write close message")
	}
	conn.closeWithError(nil)
	return nil
}
