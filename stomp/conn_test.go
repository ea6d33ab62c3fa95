// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package stomp_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/id"
	"github.com/messup-chat/messup-go/mockserver"
	"github.com/messup-chat/messup-go/stomp"
)

func dial(t *testing.T, ms *mockserver.MockServer, username id.Username) *stomp.Conn {
	t.Helper()
	cli := ms.Client(t, username)
	conn, err := stomp.Dial(context.TODO(), ms.WebsocketURL(), stomp.DialOptions{
		Jar: cli.Client.Jar,
		Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func TestConn_NotReadyBeforeConnected(t *testing.T) {
	ms := mockserver.Create(t)
	conn := dial(t, ms, "alice")
	if !conn.IsReady() {
		_, err := conn.Subscribe("/user/alice/private", func(*stomp.Frame) {})
		assert.ErrorIs(t, err, stomp.ErrNotReady)
		assert.ErrorIs(t, conn.Send(id.SendPrivateMessageDestination, "", nil), stomp.ErrNotReady)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.WaitReady(ctx))
	assert.True(t, conn.IsReady())
	assert.Equal(t, "1.2", conn.Version)
}

func TestConn_SubscribeAndReceive(t *testing.T) {
	ms := mockserver.Create(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bob := dial(t, ms, "bob")
	require.NoError(t, bob.WaitReady(ctx))
	received := make(chan *stomp.Frame, 1)
	sub, err := bob.Subscribe(id.Username("bob").PrivateInbox(), func(frame *stomp.Frame) {
		received <- frame
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(ms.Subscriptions("bob")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	alice := dial(t, ms, "alice")
	require.NoError(t, alice.WaitReady(ctx))
	require.NoError(t, alice.Send(id.SendPrivateMessageDestination, "application/json",
		[]byte(`{"sender":"alice","receiver":"bob","message":"hi bob","isEncrypted":false}`)))

	select {
	case frame := <-received:
		assert.Equal(t, sub.ID, frame.Get(stomp.HeaderSubscription))
		assert.Contains(t, string(frame.Body), `"message":"hi bob"`)
		assert.Contains(t, string(frame.Body), `"messageId":1`)
	case <-ctx.Done():
		t.Fatal("message not received")
	}

	require.NoError(t, bob.Unsubscribe(sub))
	assert.ErrorIs(t, bob.Unsubscribe(sub), stomp.ErrUnknownSubscribe)
	require.Eventually(t, func() bool {
		return len(ms.Subscriptions("bob")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	messages := ms.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, event.StatusSent, messages[0].Status)
}

func TestConn_ClosedByServer(t *testing.T) {
	ms := mockserver.Create(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closed := make(chan error, 1)
	cli := ms.Client(t, "alice")
	conn, err := stomp.Dial(ctx, ms.WebsocketURL(), stomp.DialOptions{
		Jar: cli.Client.Jar,
		Log: zerolog.Nop(),
		OnClose: func(err error) {
			closed <- err
		},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WaitReady(ctx))

	ms.DisconnectAll()
	select {
	case err = <-closed:
		assert.Error(t, err)
	case <-ctx.Done():
		t.Fatal("connection wasn't closed")
	}
	assert.False(t, conn.IsReady())
	assert.Error(t, conn.Err())
	assert.ErrorIs(t, conn.Send(id.SendPrivateMessageDestination, "", nil), stomp.ErrNotReady)
}

func TestDial_Unauthenticated(t *testing.T) {
	ms := mockserver.Create(t)
	_, err := stomp.Dial(context.TODO(), ms.WebsocketURL(), stomp.DialOptions{Header: http.Header{}, Log: zerolog.Nop()})
	assert.Error(t, err)

	ms.RejectWebsocket.Store(true)
	cli := ms.Client(t, "alice")
	_, err = stomp.Dial(context.TODO(), ms.WebsocketURL(), stomp.DialOptions{Jar: cli.Client.Jar, Log: zerolog.Nop()})
	assert.Error(t, err)
}
