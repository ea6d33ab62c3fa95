// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package messup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrKeyNotFound is returned when the server doesn't have a public key for the requested user.
	ErrKeyNotFound = errors.New("public key not found")
	// ErrNoBackup is returned when the server doesn't have a passphrase-wrapped private key backup for the user.
	ErrNoBackup = errors.New("no private key backup found")
	// ErrNetwork matches HTTPErrors where the request didn't get a response at all.
	ErrNetwork = errors.New("network error")
	// ErrAuthRequired matches HTTPErrors with a 401 or 403 status code.
	ErrAuthRequired = errors.New("authentication required")
)

// RespError is the JSON error body returned by the server.
type RespError struct {
	Err        string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *RespError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}
	return e.Err
}

// HTTPError is an error which is returned for all non-2xx responses as well as requests that didn't get a response.
type HTTPError struct {
	Request   *http.Request
	Response  *http.Response
	RespError *RespError

	Message      string
	WrappedError error
	ResponseBody string
}

func (e HTTPError) IsStatus(code int) bool {
	return e.Response != nil && e.Response.StatusCode == code
}

func (e HTTPError) Is(err error) bool {
	switch err {
	case ErrNetwork:
		return e.Response == nil && e.WrappedError != nil &&
			!errors.Is(e.WrappedError, context.Canceled) && !errors.Is(e.WrappedError, context.DeadlineExceeded)
	case ErrAuthRequired:
		return e.IsStatus(http.StatusUnauthorized) || e.IsStatus(http.StatusForbidden)
	default:
		return false
	}
}

func (e HTTPError) Error() string {
	if e.WrappedError != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.WrappedError)
	} else if e.Response == nil || e.Request == nil {
		return e.Message
	} else if e.RespError != nil {
		return fmt.Sprintf("failed to %s %s: %s (HTTP %d)",
			e.Request.Method, e.Request.URL.Path, e.RespError.Error(), e.Response.StatusCode)
	} else {
		msg := fmt.Sprintf("failed to %s %s: HTTP %d", e.Request.Method, e.Request.URL.Path, e.Response.StatusCode)
		if len(e.ResponseBody) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, e.ResponseBody)
		}
		return msg
	}
}

func (e HTTPError) Unwrap() error {
	if e.WrappedError != nil {
		return e.WrappedError
	} else if e.RespError != nil {
		return e.RespError
	}
	return nil
}
