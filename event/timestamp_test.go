// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messup-chat/messup-go/event"
)

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	var ts event.Timestamp
	require.NoError(t, json.Unmarshal([]byte(`1712345678901`), &ts))
	assert.Equal(t, int64(1712345678901), ts.UnixMilli())

	require.NoError(t, json.Unmarshal([]byte(`"2024-05-01T10:20:30.123"`), &ts))
	assert.Equal(t, time.Date(2024, 5, 1, 10, 20, 30, 123000000, time.Local), ts.Time)

	require.NoError(t, json.Unmarshal([]byte(`"2024-05-01T10:20:30Z"`), &ts))
	assert.True(t, ts.Equal(time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC)))

	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestPrivateMessage_RoundTrip(t *testing.T) {
	serverID := int64(42)
	input := &event.PrivateMessage{
		MessageID: &serverID,
		Sender:    "alice",
		Receiver:  "bob",
		Message:   "hi bob",
		Timestamp: event.TS(time.Date(2024, 5, 1, 10, 20, 30, 0, time.Local)),
	}
	data, err := json.Marshal(input)
	require.NoError(t, err)
	var output event.PrivateMessage
	require.NoError(t, json.Unmarshal(data, &output))
	assert.Equal(t, serverID, *output.MessageID)
	assert.True(t, input.Timestamp.Equal(output.Timestamp.Time))
	assert.Equal(t, input.Sender, output.OtherParty("bob"))
	assert.Equal(t, input.Receiver, output.OtherParty("alice"))
}
