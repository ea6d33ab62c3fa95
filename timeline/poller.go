// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package timeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/messup-chat/messup-go/id"
)

const DefaultPollInterval = 1 * time.Second

// Poller periodically reloads conversation history. It's a fallback for when the real-time channel
// isn't available.
type Poller struct {
	Reconciler *Reconciler
	Interval   time.Duration
}

func NewPoller(rec *Reconciler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{Reconciler: rec, Interval: interval}
}

// Run reloads the peer's history every interval until the context is cancelled.
// Loads that overlap with one already in progress are skipped.
func (p *Poller) Run(ctx context.Context, peer id.Username) {
	log := zerolog.Ctx(ctx).With().Stringer("peer", peer).Logger()
	log.Debug().Stringer("interval", p.Interval).Msg("Starting history polling")
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, err := p.Reconciler.LoadHistory(ctx, peer)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Failed to poll history")
			}
		case <-ctx.Done():
			log.Debug().Msg("Stopped history polling")
			return
		}
	}
}
