// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package contactkeys resolves and caches the public keys of other users.
package contactkeys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/database"
	"github.com/messup-chat/messup-go/id"
)

// Entry is a resolved contact key along with the tier it came from.
type Entry struct {
	Username  id.Username
	PublicKey *jwk.Key
	Source    Source
}

// Directory looks up contact keys through an ordered list of tiers. When a key is found in a later tier,
// it's written back to all the tiers before it.
type Directory struct {
	Tiers []Tier
	Log   zerolog.Logger

	lookups singleflight.Group
}

// NewDirectory creates a directory with the usual memory, database and server tiers.
func NewDirectory(owner id.Username, query *database.ContactKeyQuery, fetcher Fetcher, log zerolog.Logger) *Directory {
	log = log.With().Str("component", "contact keys").Logger()
	return &Directory{
		Tiers: []Tier{
			NewMemoryTier(),
			&StoreTier{Owner: owner, Query: query, Log: log},
			&RemoteTier{Fetcher: fetcher},
		},
		Log: log,
	}
}

// Get returns the key of the given user from the first tier that has it.
// Concurrent lookups for the same user share a single pass through the tiers.
func (d *Directory) Get(ctx context.Context, username id.Username) (*Entry, error) {
	res, err, _ := d.lookups.Do(string(username), func() (any, error) {
		return d.get(ctx, username)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Entry), nil
}

func (d *Directory) get(ctx context.Context, username id.Username) (*Entry, error) {
	for i, tier := range d.Tiers {
		key, err := tier.Get(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("failed to get key of %s from %s tier: %w", username, tier.Source(), err)
		} else if key == nil {
			continue
		}
		for _, prev := range d.Tiers[:i] {
			if err = prev.Put(ctx, username, key); err != nil {
				d.Log.Warn().Err(err).
					Stringer("username", username).
					Str("tier", string(prev.Source())).
					Msg("Failed to cache contact key")
			}
		}
		d.Log.Debug().
			Stringer("username", username).
			Str("source", string(tier.Source())).
			Msg("Resolved contact key")
		return &Entry{Username: username, PublicKey: key, Source: tier.Source()}, nil
	}
	return nil, fmt.Errorf("%w for %s", messup.ErrKeyNotFound, username)
}

// Put stores a key in every tier.
func (d *Directory) Put(ctx context.Context, username id.Username, key *jwk.Key) error {
	for _, tier := range d.Tiers {
		if err := tier.Put(ctx, username, key); err != nil {
			return fmt.Errorf("failed to store key in %s tier: %w", tier.Source(), err)
		}
	}
	return nil
}

// Purge clears every tier. Purging continues past errors and all of them are returned.
func (d *Directory) Purge(ctx context.Context) error {
	var errs []error
	for _, tier := range d.Tiers {
		if err := tier.Purge(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to purge %s tier: %w", tier.Source(), err))
		}
	}
	return errors.Join(errs...)
}

// Resolve returns the decoded public key of the given user.
func (d *Directory) Resolve(ctx context.Context, username id.Username) (*rsa.PublicKey, error) {
	entry, err := d.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	pub, err := entry.PublicKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid public key for %s: %w", username, err)
	}
	return pub, nil
}
