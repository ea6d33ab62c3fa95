// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type Command string

const (
	CommandConnect     Command = "CONNECT"
	CommandStomp       Command = "STOMP"
	CommandConnected   Command = "CONNECTED"
	CommandSend        Command = "SEND"
	CommandSubscribe   Command = "SUBSCRIBE"
	CommandUnsubscribe Command = "UNSUBSCRIBE"
	CommandAck         Command = "ACK"
	CommandNack        Command = "NACK"
	CommandDisconnect  Command = "DISCONNECT"
	CommandMessage     Command = "MESSAGE"
	CommandReceipt     Command = "RECEIPT"
	CommandError       Command = "ERROR"
)

const (
	HeaderAcceptVersion = "accept-version"
	HeaderVersion       = "version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderMessage       = "message"
	HeaderServer        = "server"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnterminated   = errors.New("frame is missing the null terminator")
)

// Header is the header map of a frame. When a frame has repeated headers, only the first one is kept.
type Header map[string]string

// Frame is a single STOMP frame.
type Frame struct {
	Command Command
	Header  Header
	Body    []byte
}

func NewFrame(command Command, header Header, body []byte) *Frame {
	if header == nil {
		header = make(Header)
	}
	return &Frame{Command: command, Header: header, Body: body}
}

func (frame *Frame) Get(key string) string {
	return frame.Header[key]
}

// CONNECT and CONNECTED frames don't escape headers for compatibility with STOMP 1.0.
func (frame *Frame) escapesHeaders() bool {
	return frame.Command != CommandConnect && frame.Command != CommandConnected
}

var headerEscaper = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")

func unescapeHeader(val string) (string, error) {
	if !strings.ContainsRune(val, '\\') {
		return val, nil
	}
	var out strings.Builder
	out.Grow(len(val))
	for i := 0; i < len(val); i++ {
		if val[i] != '\\' {
			out.WriteByte(val[i])
			continue
		}
		i++
		if i >= len(val) {
			return "", fmt.Errorf("%w: trailing backslash in header", ErrMalformedFrame)
		}
		switch val[i] {
		case '\\':
			out.WriteByte('\\')
		case 'r':
			out.WriteByte('\r')
		case 'n':
			out.WriteByte('\n')
		case 'c':
			out.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: invalid escape sequence \\%c", ErrMalformedFrame, val[i])
		}
	}
	return out.String(), nil
}

// Encode serializes the frame. Headers are written in sorted order and content-length is added
// automatically when there's a body.
func (frame *Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(string(frame.Command))
	buf.WriteByte('\n')
	keys := make([]string, 0, len(frame.Header))
	for key := range frame.Header {
		if key != HeaderContentLength {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	escape := frame.escapesHeaders()
	for _, key := range keys {
		val := frame.Header[key]
		if escape {
			key = headerEscaper.Replace(key)
			val = headerEscaper.Replace(val)
		}
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(val)
		buf.WriteByte('\n')
	}
	if len(frame.Body) > 0 {
		buf.WriteString(HeaderContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(frame.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(frame.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

func readLine(data []byte) (line, rest []byte, ok bool) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, data, false
	}
	line = data[:idx]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, data[idx+1:], true
}

func skipEOLs(data []byte) []byte {
	for len(data) > 0 && (data[0] == '\n' || data[0] == '\r') {
		data = data[1:]
	}
	return data
}

// Decode parses all frames in the data. Heart-beats (bare EOLs) between frames are skipped,
// so data containing only heart-beats returns no frames and no error.
func Decode(data []byte) ([]*Frame, error) {
	var frames []*Frame
	for {
		data = skipEOLs(data)
		if len(data) == 0 {
			return frames, nil
		}
		frame, rest, err := decodeOne(data)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
		data = rest
	}
}

func decodeOne(data []byte) (*Frame, []byte, error) {
	line, data, ok := readLine(data)
	if !ok || len(line) == 0 {
		return nil, nil, fmt.Errorf("%w: missing command", ErrMalformedFrame)
	}
	frame := NewFrame(Command(line), nil, nil)
	escaped := frame.escapesHeaders()
	for {
		line, data, ok = readLine(data)
		if !ok {
			return nil, nil, fmt.Errorf("%w: unterminated headers", ErrMalformedFrame)
		} else if len(line) == 0 {
			break
		}
		key, val, found := strings.Cut(string(line), ":")
		if !found {
			return nil, nil, fmt.Errorf("%w: header line without colon", ErrMalformedFrame)
		}
		if escaped {
			var err error
			if key, err = unescapeHeader(key); err != nil {
				return nil, nil, err
			} else if val, err = unescapeHeader(val); err != nil {
				return nil, nil, err
			}
		}
		if _, exists := frame.Header[key]; !exists {
			frame.Header[key] = val
		}
	}
	if lengthStr, ok := frame.Header[HeaderContentLength]; ok {
		length, err := strconv.Atoi(lengthStr)
		if err != nil || length < 0 {
			return nil, nil, fmt.Errorf("%w: invalid content-length %q", ErrMalformedFrame, lengthStr)
		} else if length >= len(data) || data[length] != 0 {
			return nil, nil, ErrUnterminated
		}
		frame.Body = data[:length]
		return frame, data[length+1:], nil
	}
	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return nil, nil, ErrUnterminated
	}
	frame.Body = data[:end]
	return frame, data[end+1:], nil
}
