// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package timeline

import (
	"time"
)

// ConsecutiveWindow is the maximum gap between two messages from the same sender for them to be grouped.
const ConsecutiveWindow = 2 * time.Minute

// IsConsecutive returns true if cur directly continues prev: same sender and less than ConsecutiveWindow apart.
func IsConsecutive(prev, cur *Message) bool {
	if prev == nil || cur == nil || prev.Sender != cur.Sender {
		return false
	}
	delta := cur.CreatedAt.Sub(prev.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta < ConsecutiveWindow
}

// NeedsDateSeparator returns true if cur is on a different local calendar day than prev.
// The first message of a feed always gets a separator.
func NeedsDateSeparator(prev, cur *Message) bool {
	if prev == nil {
		return true
	}
	py, pm, pd := prev.CreatedAt.Local().Date()
	cy, cm, cd := cur.CreatedAt.Local().Date()
	return py != cy || pm != cm || pd != cd
}

type Annotated struct {
	*Message
	Consecutive   bool
	DateSeparator bool
}

// Annotate computes presentation hints for an ordered feed. The feed itself isn't modified.
func Annotate(feed []*Message) []Annotated {
	out := make([]Annotated, len(feed))
	var prev *Message
	for i, msg := range feed {
		out[i] = Annotated{
			Message:       msg,
			Consecutive:   IsConsecutive(prev, msg),
			DateSeparator: NeedsDateSeparator(prev, msg),
		}
		prev = msg
	}
	return out
}
