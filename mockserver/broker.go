// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mockserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/id"
	"github.com/messup-chat/messup-go/stomp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type brokerConn struct {
	server *MockServer
	ws     *websocket.Conn
	user   id.Username

	writeLock sync.Mutex
	lock      sync.Mutex
	subs      map[string]string
}

func (ms *MockServer) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	if ms.RejectWebsocket.Load() {
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "Websockets are disabled")
		return
	}
	user, ok := ms.requireAuth(w, r)
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &brokerConn{server: ms, ws: ws, user: user, subs: map[string]string{}}
	ms.lock.Lock()
	ms.brokers[conn] = struct{}{}
	ms.lock.Unlock()
	go conn.readLoop()
}

// DisconnectAll drops every websocket connection without a STOMP DISCONNECT, as if the network failed.
func (ms *MockServer) DisconnectAll() {
	ms.lock.Lock()
	conns := make([]*brokerConn, 0, len(ms.brokers))
	for conn := range ms.brokers {
		conns = append(conns, conn)
	}
	ms.lock.Unlock()
	for _, conn := range conns {
		_ = conn.ws.Close()
	}
}

// Subscriptions returns the destinations the given user is currently subscribed to, across all connections.
func (ms *MockServer) Subscriptions(username id.Username) []string {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	var dests []string
	for conn := range ms.brokers {
		if conn.user != username {
			continue
		}
		conn.lock.Lock()
		for _, dest := range conn.subs {
			dests = append(dests, dest)
		}
		conn.lock.Unlock()
	}
	return dests
}

// ConnectionCount returns the number of open websocket connections of the given user.
func (ms *MockServer) ConnectionCount(username id.Username) int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	count := 0
	for conn := range ms.brokers {
		if conn.user == username {
			count++
		}
	}
	return count
}

func (conn *brokerConn) readLoop() {
	defer func() {
		conn.server.lock.Lock()
		delete(conn.server.brokers, conn)
		conn.server.lock.Unlock()
		_ = conn.ws.Close()
	}()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			conn.sendError("malformed frame", err.Error())
			return
		}
		for _, frame := range frames {
			if !conn.handleFrame(frame) {
				return
			}
		}
	}
}

func (conn *brokerConn) write(frame *stomp.Frame) {
	conn.writeLock.Lock()
	defer conn.writeLock.Unlock()
	_ = conn.ws.WriteMessage(websocket.TextMessage, frame.Encode())
}

func (conn *brokerConn) sendError(message, body string) {
	conn.write(stomp.NewFrame(stomp.CommandError, stomp.Header{stomp.HeaderMessage: message}, []byte(body)))
}

func (conn *brokerConn) handleFrame(frame *stomp.Frame) bool {
	switch frame.Command {
	case stomp.CommandConnect, stomp.CommandStomp:
		conn.write(stomp.NewFrame(stomp.CommandConnected, stomp.Header{
			stomp.HeaderVersion:   "1.2",
			stomp.HeaderHeartBeat: "0,0",
			stomp.HeaderServer:    "mockserver",
		}, nil))
	case stomp.CommandSubscribe:
		conn.lock.Lock()
		conn.subs[frame.Get(stomp.HeaderID)] = frame.Get(stomp.HeaderDestination)
		conn.lock.Unlock()
	case stomp.CommandUnsubscribe:
		conn.lock.Lock()
		delete(conn.subs, frame.Get(stomp.HeaderID))
		conn.lock.Unlock()
	case stomp.CommandSend:
		switch frame.Get(stomp.HeaderDestination) {
		case id.SendPrivateMessageDestination:
			conn.server.handlePrivateMessage(conn.user, frame.Body)
		case id.MarkAsReadDestination:
			conn.server.handleMarkAsRead(conn.user, frame.Body)
		default:
			conn.sendError("unknown destination", frame.Get(stomp.HeaderDestination))
		}
	case stomp.CommandDisconnect:
		return false
	}
	return true
}

func (conn *brokerConn) deliver(destination string, body []byte) {
	conn.lock.Lock()
	var subIDs []string
	for subID, dest := range conn.subs {
		if dest == destination {
			subIDs = append(subIDs, subID)
		}
	}
	conn.lock.Unlock()
	for _, subID := range subIDs {
		conn.write(stomp.NewFrame(stomp.CommandMessage, stomp.Header{
			stomp.HeaderDestination:  destination,
			stomp.HeaderSubscription: subID,
			stomp.HeaderMessageID:    subID + "-" + strconv.FormatInt(time.Now().UnixNano(), 10),
			stomp.HeaderContentType:  "application/json",
		}, body))
	}
}

func (ms *MockServer) deliverTo(username id.Username, destination string, body []byte) {
	ms.lock.Lock()
	var targets []*brokerConn
	for conn := range ms.brokers {
		if conn.user == username {
			targets = append(targets, conn)
		}
	}
	ms.lock.Unlock()
	for _, conn := range targets {
		conn.deliver(destination, body)
	}
}

// Inject stores a message as if it was sent by msg.Sender and delivers it to the receiver.
func (ms *MockServer) Inject(msg *event.PrivateMessage) *event.PrivateMessage {
	body, _ := json.Marshal(msg)
	return ms.handlePrivateMessage(msg.Sender, body)
}

func (ms *MockServer) handlePrivateMessage(sender id.Username, body []byte) *event.PrivateMessage {
	receiver := id.Username(gjson.GetBytes(body, "receiver").Str)
	if receiver == "" {
		return nil
	}
	ms.lock.Lock()
	messageID := ms.nextMessageID
	ms.nextMessageID++
	ms.lock.Unlock()

	body, _ = sjson.SetBytes(body, "messageId", messageID)
	body, _ = sjson.SetBytes(body, "sender", sender)
	body, _ = sjson.SetBytes(body, "status", event.StatusSent)
	if !gjson.GetBytes(body, "timestamp").Exists() || gjson.GetBytes(body, "timestamp").Type == gjson.Null {
		body, _ = sjson.SetBytes(body, "timestamp", time.Now().Format(event.LocalDateTimeFormat))
	}
	var msg event.PrivateMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil
	}
	ms.lock.Lock()
	ms.messages = append(ms.messages, &msg)
	echo := ms.EchoToSender
	ms.lock.Unlock()

	ms.deliverTo(receiver, receiver.PrivateInbox(), body)
	if echo && sender != receiver {
		ms.deliverTo(sender, sender.PrivateInbox(), body)
	}
	return &msg
}

func (ms *MockServer) handleMarkAsRead(reader id.Username, body []byte) {
	var receipt event.ReadReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return
	}
	ms.lock.Lock()
	var target *event.PrivateMessage
	for _, msg := range ms.messages {
		if msg.MessageID != nil && *msg.MessageID == receipt.MessageID && msg.Receiver == reader {
			msg.Status = event.StatusRead
			target = msg
			break
		}
	}
	ms.lock.Unlock()
	if target == nil {
		return
	}
	data, _ := json.Marshal(&event.ReadReceipt{MessageID: receipt.MessageID, Status: event.StatusRead})
	ms.deliverTo(target.Sender, target.Sender.ReadReceiptInbox(), data)
}
