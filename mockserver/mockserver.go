// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mockserver contains an in-process chat server for tests, with the REST API and a STOMP broker.
package mockserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/random"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/event"
	"github.com/messup-chat/messup-go/id"
)

type MockServer struct {
	Router *mux.Router
	Server *httptest.Server

	// EchoToSender makes the broker deliver sent messages to the sender's inbox too.
	EchoToSender bool
	// OmitHistoryIDs strips server message IDs from history responses.
	OmitHistoryIDs bool
	// RejectWebsocket makes websocket upgrades fail with HTTP 503.
	RejectWebsocket atomic.Bool

	lock          sync.Mutex
	sessions      map[string]id.Username
	publicKeys    map[id.Username]*jwk.Key
	backups       map[id.Username]*messup.ReqUploadPrivateKey
	messages      []*event.PrivateMessage
	nextMessageID int64
	brokers       map[*brokerConn]struct{}

	KeyFetches atomic.Int32
}

func Create(t *testing.T) *MockServer {
	t.Helper()

	server := &MockServer{
		sessions:      map[string]id.Username{},
		publicKeys:    map[id.Username]*jwk.Key{},
		backups:       map[id.Username]*messup.ReqUploadPrivateKey{},
		brokers:       map[*brokerConn]struct{}{},
		nextMessageID: 1,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/keys/upload", server.postUploadKey).Methods(http.MethodPost)
	router.HandleFunc("/api/keys/get/{username}", server.getPublicKey).Methods(http.MethodGet)
	router.HandleFunc("/api/keys/upload-private", server.postUploadPrivateKey).Methods(http.MethodPost)
	router.HandleFunc("/api/keys/get-private/{username}", server.getPrivateKey).Methods(http.MethodGet)
	router.HandleFunc("/api/users/current", server.getCurrentUser).Methods(http.MethodGet)
	router.HandleFunc("/oldChat/{username}", server.getOldChat).Methods(http.MethodGet)
	router.HandleFunc("/ws", server.serveWebsocket)
	server.Router = router
	server.Server = httptest.NewServer(router)
	t.Cleanup(func() {
		server.DisconnectAll()
		server.Server.Close()
	})
	return server
}

// Login creates a session for the given user and returns the session cookie value.
func (ms *MockServer) Login(username id.Username) string {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	token := random.String(32)
	ms.sessions[token] = username
	return token
}

// Logout invalidates every session of the given user.
func (ms *MockServer) Logout(username id.Username) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for token, user := range ms.sessions {
		if user == username {
			delete(ms.sessions, token)
		}
	}
}

// Client returns an API client that is logged in as the given user.
func (ms *MockServer) Client(t *testing.T, username id.Username) *messup.Client {
	t.Helper()
	client, err := messup.NewClient(ms.Server.URL)
	require.NoError(t, err)
	client.SetSessionCookie(ms.Login(username))
	return client
}

// WebsocketURL returns the URL of the STOMP websocket endpoint.
func (ms *MockServer) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(ms.Server.URL, "http") + "/ws"
}

func (ms *MockServer) SetPublicKey(username id.Username, key *jwk.Key) {
	ms.lock.Lock()
	ms.publicKeys[username] = key
	ms.lock.Unlock()
}

func (ms *MockServer) PublicKey(username id.Username) *jwk.Key {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return ms.publicKeys[username]
}

func (ms *MockServer) HasBackup(username id.Username) bool {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	_, ok := ms.backups[username]
	return ok
}

// Messages returns a copy of all stored messages.
func (ms *MockServer) Messages() []event.PrivateMessage {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	out := make([]event.PrivateMessage, len(ms.messages))
	for i, msg := range ms.messages {
		out[i] = *msg
	}
	return out
}

func (ms *MockServer) authenticate(r *http.Request) (id.Username, bool) {
	cookie, err := r.Cookie(messup.SessionCookieName)
	if err != nil {
		return "", false
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	username, ok := ms.sessions[cookie.Value]
	return username, ok
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, &messup.RespError{Err: errCode, Message: message})
}

func (ms *MockServer) requireAuth(w http.ResponseWriter, r *http.Request) (id.Username, bool) {
	username, ok := ms.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "Not logged in")
	}
	return username, ok
}

func (ms *MockServer) postUploadKey(w http.ResponseWriter, r *http.Request) {
	sender, ok := ms.requireAuth(w, r)
	if !ok {
		return
	}
	var req messup.ReqUploadPublicKey
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKeyJWK == nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "Invalid key upload")
		return
	} else if req.Username != sender {
		writeError(w, http.StatusForbidden, "Forbidden", "Can't upload keys for other users")
		return
	}
	ms.SetPublicKey(req.Username, req.PublicKeyJWK)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Public key uploaded"})
}

func (ms *MockServer) getPublicKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := ms.requireAuth(w, r); !ok {
		return
	}
	ms.KeyFetches.Add(1)
	key := ms.PublicKey(id.Username(mux.Vars(r)["username"]))
	if key == nil {
		writeError(w, http.StatusNotFound, "Not Found", "Public key not found")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (ms *MockServer) postUploadPrivateKey(w http.ResponseWriter, r *http.Request) {
	sender, ok := ms.requireAuth(w, r)
	if !ok {
		return
	}
	var req messup.ReqUploadPrivateKey
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EncryptedPrivateKey == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "Invalid backup upload")
		return
	} else if req.Username != sender {
		writeError(w, http.StatusForbidden, "Forbidden", "Can't upload backups for other users")
		return
	}
	ms.lock.Lock()
	ms.backups[req.Username] = &req
	ms.lock.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Private key backup uploaded"})
}

func (ms *MockServer) getPrivateKey(w http.ResponseWriter, r *http.Request) {
	sender, ok := ms.requireAuth(w, r)
	if !ok {
		return
	}
	username := id.Username(mux.Vars(r)["username"])
	if username != sender {
		writeError(w, http.StatusForbidden, "Forbidden", "Can't read backups of other users")
		return
	}
	ms.lock.Lock()
	backup, ok := ms.backups[username]
	ms.lock.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found", "Private key backup not found")
		return
	}
	writeJSON(w, http.StatusOK, &messup.RespPrivateKeyBackup{
		EncryptedPrivateKey: backup.EncryptedPrivateKey,
		Salt:                backup.Salt,
		IV:                  backup.IV,
	})
}

func (ms *MockServer) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	username, ok := ms.requireAuth(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, &messup.RespCurrentUser{Username: username})
}

func (ms *MockServer) getOldChat(w http.ResponseWriter, r *http.Request) {
	self, ok := ms.requireAuth(w, r)
	if !ok {
		return
	}
	peer := id.Username(mux.Vars(r)["username"])
	ms.lock.Lock()
	history := make([]*event.PrivateMessage, 0)
	for _, msg := range ms.messages {
		if (msg.Sender == self && msg.Receiver == peer) || (msg.Sender == peer && msg.Receiver == self) {
			copied := *msg
			if ms.OmitHistoryIDs {
				copied.MessageID = nil
			}
			history = append(history, &copied)
		}
	}
	ms.lock.Unlock()
	writeJSON(w, http.StatusOK, history)
}
