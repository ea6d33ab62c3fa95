// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package session

import (
	"context"

	"github.com/messup-chat/messup-go/stomp"
)

// Transport is a publish-subscribe connection. It's implemented by *stomp.Conn.
type Transport interface {
	Subscribe(destination string, handler stomp.MessageHandler) (*stomp.Subscription, error)
	Unsubscribe(sub *stomp.Subscription) error
	Send(destination, contentType string, body []byte) error
	IsReady() bool
	Done() <-chan struct{}
	Err() error
	Close() error
}

var _ Transport = (*stomp.Conn)(nil)

// DialFunc opens a transport to the given URL.
type DialFunc func(ctx context.Context, url string, opts stomp.DialOptions) (Transport, error)

func dialSTOMP(ctx context.Context, url string, opts stomp.DialOptions) (Transport, error) {
	conn, err := stomp.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
