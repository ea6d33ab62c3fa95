// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package contactkeys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/database"
	"github.com/messup-chat/messup-go/id"
)

// Source identifies the tier a key was resolved from.
type Source string

const (
	SourceMemory Source = "memory"
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Tier is one level of the contact key cache. Get returns nil without an error on a miss.
type Tier interface {
	Source() Source
	Get(ctx context.Context, username id.Username) (*jwk.Key, error)
	Put(ctx context.Context, username id.Username, key *jwk.Key) error
	Purge(ctx context.Context) error
}

// MemoryTier is a process-local cache. Entries are never overwritten.
type MemoryTier struct {
	lock sync.RWMutex
	keys map[id.Username]*jwk.Key
}

var _ Tier = (*MemoryTier)(nil)

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{keys: make(map[id.Username]*jwk.Key)}
}

func (mt *MemoryTier) Source() Source {
	return SourceMemory
}

func (mt *MemoryTier) Get(_ context.Context, username id.Username) (*jwk.Key, error) {
	mt.lock.RLock()
	defer mt.lock.RUnlock()
	return mt.keys[username], nil
}

func (mt *MemoryTier) Put(_ context.Context, username id.Username, key *jwk.Key) error {
	mt.lock.Lock()
	defer mt.lock.Unlock()
	if _, exists := mt.keys[username]; !exists {
		mt.keys[username] = key
	}
	return nil
}

func (mt *MemoryTier) Purge(_ context.Context) error {
	mt.lock.Lock()
	mt.keys = make(map[id.Username]*jwk.Key)
	mt.lock.Unlock()
	return nil
}

// StoreTier persists contact keys in the local database, scoped to the owning identity.
type StoreTier struct {
	Owner id.Username
	Query *database.ContactKeyQuery
	Log   zerolog.Logger
}

var _ Tier = (*StoreTier)(nil)

func (st *StoreTier) Source() Source {
	return SourceLocal
}

// Get returns the persisted key. If the entry can't be decoded, the whole persisted cache of the owner is dropped
// and the lookup is treated as a miss.
func (st *StoreTier) Get(ctx context.Context, username id.Username) (*jwk.Key, error) {
	ck, err := st.Query.Get(ctx, st.Owner, username)
	if errors.Is(err, database.ErrCorruptContactKey) {
		st.Log.Warn().Err(err).Msg("Persisted contact key cache is corrupted, clearing it")
		if err = st.Query.DeleteAll(ctx, st.Owner); err != nil {
			return nil, fmt.Errorf("failed to clear corrupted contact key cache: %w", err)
		}
		return nil, nil
	} else if err != nil {
		return nil, err
	} else if ck == nil {
		return nil, nil
	}
	return ck.PublicKey, nil
}

func (st *StoreTier) Put(ctx context.Context, username id.Username, key *jwk.Key) error {
	return st.Query.Put(ctx, &database.ContactKey{
		Owner:     st.Owner,
		Username:  username,
		PublicKey: key,
		FetchedAt: time.Now(),
	})
}

func (st *StoreTier) Purge(ctx context.Context) error {
	return st.Query.DeleteAll(ctx, st.Owner)
}

// Fetcher fetches public keys from the server. It's implemented by *messup.Client.
type Fetcher interface {
	GetPublicKey(ctx context.Context, username id.Username) (*jwk.Key, error)
}

// RemoteTier is the authoritative last tier. It's read-only.
type RemoteTier struct {
	Fetcher Fetcher
}

var _ Tier = (*RemoteTier)(nil)

func (rt *RemoteTier) Source() Source {
	return SourceRemote
}

func (rt *RemoteTier) Get(ctx context.Context, username id.Username) (*jwk.Key, error) {
	key, err := rt.Fetcher.GetPublicKey(ctx, username)
	if errors.Is(err, messup.ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return key, nil
}

func (rt *RemoteTier) Put(_ context.Context, _ id.Username, _ *jwk.Key) error {
	return nil
}

func (rt *RemoteTier) Purge(_ context.Context) error {
	return nil
}
