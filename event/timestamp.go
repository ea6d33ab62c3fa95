// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LocalDateTimeFormat is the format the server uses for timestamps: ISO-8601 without a zone offset.
const LocalDateTimeFormat = "2006-01-02T15:04:05.999999999"

var timestampLayouts = []string{time.RFC3339Nano, LocalDateTimeFormat, "2006-01-02 15:04:05.999999999"}

// Timestamp is a point in time that can be decoded from either epoch milliseconds or an ISO-8601 string.
// Strings without a zone offset are interpreted in the local time zone.
type Timestamp struct {
	time.Time
}

func TS(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Local().Format(LocalDateTimeFormat))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	} else if len(data) > 0 && data[0] != '"' {
		var millis int64
		if err := json.Unmarshal(data, &millis); err != nil {
			return fmt.Errorf("failed to parse numeric timestamp: %w", err)
		}
		ts.Time = time.UnixMilli(millis)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	} else if str == "" {
		ts.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.ParseInLocation(layout, str, time.Local)
		if err == nil {
			ts.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp format %q", str)
}
