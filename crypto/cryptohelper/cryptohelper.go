// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cryptohelper ties together the key vault, backups and contact keys into a single
// per-identity encryption state with a shared initialization flow.
package cryptohelper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/contactkeys"
	"github.com/messup-chat/messup-go/crypto/envelope"
	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/crypto/keybackup"
	"github.com/messup-chat/messup-go/crypto/keyvault"
	"github.com/messup-chat/messup-go/database"
	"github.com/messup-chat/messup-go/id"
)

var (
	ErrUserCancelledSetup = errors.New("user cancelled encryption setup")
	ErrNoPassphrasePrompt = errors.New("passphrase required but no prompt handler is set")
	ErrClosed             = errors.New("crypto helper is closed")
)

// Remote is the subset of the REST API used by the crypto helper. It's implemented by *messup.Client.
type Remote interface {
	keybackup.Remote
	contactkeys.Fetcher
	UploadPublicKey(ctx context.Context, username id.Username, publicKey *jwk.Key) error
	GetCurrentUser(ctx context.Context) (*messup.RespCurrentUser, error)
}

var _ Remote = (*messup.Client)(nil)

const maxUploadRetryDelay = 5 * time.Minute

type CryptoHelper struct {
	Username id.Username
	Remote   Remote
	Vault    *keyvault.Vault
	Backup   *keybackup.Manager
	Contacts *contactkeys.Directory
	Cipher   *envelope.Cipher

	// RequestPassphrase is called when initialization needs a passphrase from the user.
	// The handler must eventually call Provide or Cancel on the request. It shouldn't block.
	RequestPassphrase func(req *PassphraseRequest)

	// UploadRetryDelay is the delay before the first public key upload retry. It doubles after each attempt.
	UploadRetryDelay time.Duration
	// MaxUploadAttempts is the number of upload attempts made per start before giving up until the next start.
	MaxUploadAttempts int

	log          zerolog.Logger
	lifetime     context.Context
	stop         context.CancelFunc
	initGroup    singleflight.Group
	initialized  atomic.Bool
	cancelled    atomic.Bool
	uploadLock   sync.Mutex
	uploadTimer  *time.Timer
	closed       bool
	uploadRounds atomic.Int32
}

// NewCryptoHelper creates the encryption state for the given identity. Keys and cached contact keys are stored
// in the given database, and the remote is used for backups, key uploads and contact key lookups.
func NewCryptoHelper(remote Remote, db *database.Database, username id.Username, log zerolog.Logger) *CryptoHelper {
	log = log.With().Str("component", "crypto").Stringer("username", username).Logger()
	vault := keyvault.NewVault(username, &db.KeyPair, log)
	contacts := contactkeys.NewDirectory(username, &db.ContactKey, remote, log)
	lifetime, stop := context.WithCancel(log.WithContext(context.Background()))
	return &CryptoHelper{
		Username: username,
		Remote:   remote,
		Vault:    vault,
		Backup:   keybackup.NewManager(remote, vault, log),
		Contacts: contacts,
		Cipher:   envelope.NewCipher(username, vault, contacts, log),

		UploadRetryDelay:  1 * time.Second,
		MaxUploadAttempts: 5,

		log:      log,
		lifetime: lifetime,
		stop:     stop,
	}
}

// IsInitialized returns true if the local key pair is loaded and messages can be encrypted.
func (helper *CryptoHelper) IsInitialized() bool {
	return helper.initialized.Load()
}

// Init loads the local key pair, or restores or creates it interactively.
//
// Concurrent calls share a single initialization: only one passphrase prompt is shown and all callers get
// the same result. If the user cancels the prompt, ErrUserCancelledSetup is returned and every later call
// fails the same way, as the session is expected to be logged out.
func (helper *CryptoHelper) Init(ctx context.Context) error {
	if helper.initialized.Load() {
		return nil
	} else if helper.cancelled.Load() {
		return ErrUserCancelledSetup
	} else if helper.lifetime.Err() != nil {
		return ErrClosed
	}
	resultChan := helper.initGroup.DoChan("init", func() (any, error) {
		return nil, helper.init(helper.lifetime)
	})
	select {
	case res := <-resultChan:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (helper *CryptoHelper) init(ctx context.Context) error {
	if helper.initialized.Load() {
		return nil
	}
	_, err := helper.Vault.Load(ctx)
	if errors.Is(err, keyvault.ErrNotFound) {
		helper.log.Info().Msg("No local key pair, setting up encryption")
		err = helper.setupKeys(ctx)
	}
	if errors.Is(err, ErrUserCancelledSetup) {
		helper.cancelled.Store(true)
		return err
	} else if err != nil {
		return err
	}
	helper.initialized.Store(true)
	helper.log.Info().
		Str("fingerprint", keyvault.Fingerprint(helper.Vault.KeyPair().Public)).
		Msg("Encryption initialized")
	helper.scheduleUpload(0)
	return nil
}

func (helper *CryptoHelper) promptPassphrase(ctx context.Context, kind PassphraseRequestKind) (string, error) {
	if helper.RequestPassphrase == nil {
		return "", ErrNoPassphrasePrompt
	}
	req := newPassphraseRequest(kind, helper.Username)
	helper.log.Debug().Stringer("kind", kind).Msg("Requesting passphrase")
	helper.RequestPassphrase(req)
	return req.wait(ctx)
}

func (helper *CryptoHelper) setupKeys(ctx context.Context) error {
	backup, err := helper.Backup.Fetch(ctx)
	if errors.Is(err, messup.ErrNoBackup) {
		return helper.createKeys(ctx)
	} else if err != nil {
		return fmt.Errorf("failed to fetch key backup: %w", err)
	}
	kind := PassphraseRestore
	for {
		passphrase, err := helper.promptPassphrase(ctx, kind)
		if err != nil {
			return err
		}
		_, err = helper.Backup.RestoreBackup(ctx, backup, passphrase)
		if errors.Is(err, keybackup.ErrIncorrectPassphrase) {
			helper.log.Debug().Msg("Incorrect passphrase for key backup")
			kind = PassphraseIncorrectRetry
			continue
		} else if err != nil {
			return fmt.Errorf("failed to restore key backup: %w", err)
		}
		return nil
	}
}

func (helper *CryptoHelper) createKeys(ctx context.Context) error {
	passphrase, err := helper.promptPassphrase(ctx, PassphraseCreateNew)
	if err != nil {
		return err
	}
	_, err = helper.Vault.Generate(ctx)
	if err != nil {
		return err
	}
	err = helper.Backup.Publish(ctx, passphrase)
	if err != nil {
		helper.log.Err(err).Msg("Failed to publish key backup")
	}
	return nil
}

// RegenerateKeys replaces the local key pair, publishes a new backup protected by the passphrase and
// queues the new public key for upload. Messages encrypted to the old key become undecryptable.
func (helper *CryptoHelper) RegenerateKeys(ctx context.Context, passphrase string) error {
	if _, err := helper.Vault.Regenerate(ctx); err != nil {
		return err
	}
	if err := helper.Backup.Publish(ctx, passphrase); err != nil {
		return err
	}
	helper.initialized.Store(true)
	helper.scheduleUpload(0)
	return nil
}

func (helper *CryptoHelper) uploadPublicKey(ctx context.Context) error {
	pending, err := helper.Vault.IsUploadPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to check upload state: %w", err)
	} else if !pending {
		return nil
	}
	if _, err = helper.Remote.GetCurrentUser(ctx); err != nil {
		return fmt.Errorf("session isn't authenticated: %w", err)
	}
	pub, err := helper.Vault.ExportPublic()
	if err != nil {
		return err
	}
	if err = helper.Remote.UploadPublicKey(ctx, helper.Username, pub); err != nil {
		return fmt.Errorf("failed to upload public key: %w", err)
	}
	helper.log.Info().Msg("Uploaded public key")
	return helper.Vault.SetUploadPending(ctx, false)
}

func (helper *CryptoHelper) scheduleUpload(attempt int) {
	helper.uploadRounds.Add(1)
	err := helper.uploadPublicKey(helper.lifetime)
	if err == nil || helper.lifetime.Err() != nil {
		return
	}
	log := helper.log.With().Int("attempt", attempt+1).Logger()
	if attempt+1 >= helper.MaxUploadAttempts {
		log.Err(err).Msg("Giving up on public key upload until next start")
		return
	}
	delay := helper.UploadRetryDelay << min(attempt, 16)
	if delay > maxUploadRetryDelay {
		delay = maxUploadRetryDelay
	}
	log.Warn().Err(err).Stringer("retry_in", delay).Msg("Public key upload failed, retrying later")
	helper.uploadLock.Lock()
	defer helper.uploadLock.Unlock()
	if helper.closed {
		return
	}
	helper.uploadTimer = time.AfterFunc(delay, func() {
		helper.scheduleUpload(attempt + 1)
	})
}

// UploadAttempts returns the number of public key upload rounds that have run.
func (helper *CryptoHelper) UploadAttempts() int {
	return int(helper.uploadRounds.Load())
}

// Close cancels pending upload retries and any initialization in progress.
func (helper *CryptoHelper) Close() {
	helper.uploadLock.Lock()
	helper.closed = true
	if helper.uploadTimer != nil {
		helper.uploadTimer.Stop()
		helper.uploadTimer = nil
	}
	helper.uploadLock.Unlock()
	helper.stop()
}

// Logout closes the helper and clears cached contact keys. The local key pair stays on disk.
func (helper *CryptoHelper) Logout(ctx context.Context) error {
	helper.Close()
	helper.Vault.Forget()
	helper.initialized.Store(false)
	return helper.Contacts.Purge(ctx)
}
