// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/keyvault"
	"github.com/messup-chat/messup-go/id"
)

// Remote is the server-side backup store. It's implemented by *messup.Client.
type Remote interface {
	UploadPrivateKeyBackup(ctx context.Context, req *messup.ReqUploadPrivateKey) error
	GetPrivateKeyBackup(ctx context.Context, username id.Username) (*messup.RespPrivateKeyBackup, error)
}

// Manager publishes and restores backups of a vault's private key.
type Manager struct {
	Remote Remote
	Vault  *keyvault.Vault
	Log    zerolog.Logger
}

func NewManager(remote Remote, vault *keyvault.Vault, log zerolog.Logger) *Manager {
	return &Manager{
		Remote: remote,
		Vault:  vault,
		Log:    log.With().Str("component", "key backup").Logger(),
	}
}

// Publish wraps the currently loaded private key with the passphrase and uploads it.
func (m *Manager) Publish(ctx context.Context, passphrase string) error {
	pair := m.Vault.KeyPair()
	if pair == nil {
		return keyvault.ErrNotLoaded
	}
	backup, err := Wrap(pair.Private, passphrase)
	if err != nil {
		return err
	}
	err = m.Remote.UploadPrivateKeyBackup(ctx, backup.Request(m.Vault.Username))
	if err != nil {
		return fmt.Errorf("failed to upload key backup: %w", err)
	}
	m.Log.Debug().Msg("Uploaded private key backup")
	return nil
}

// Fetch downloads the identity's backup. If the server doesn't have one, the returned error wraps messup.ErrNoBackup.
func (m *Manager) Fetch(ctx context.Context) (*Backup, error) {
	resp, err := m.Remote.GetPrivateKeyBackup(ctx, m.Vault.Username)
	if err != nil {
		return nil, err
	} else if resp == nil || resp.EncryptedPrivateKey == "" {
		return nil, fmt.Errorf("%w for %s", messup.ErrNoBackup, m.Vault.Username)
	}
	return FromResponse(resp)
}

// Restore fetches the backup, decrypts it with the passphrase and imports the key into the vault.
// The public key is derived from the recovered private key rather than fetched from the server.
func (m *Manager) Restore(ctx context.Context, passphrase string) (*keyvault.KeyPair, error) {
	backup, err := m.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return m.RestoreBackup(ctx, backup, passphrase)
}

// RestoreBackup decrypts an already fetched backup and imports the key into the vault.
func (m *Manager) RestoreBackup(ctx context.Context, backup *Backup, passphrase string) (*keyvault.KeyPair, error) {
	priv, err := Unwrap(backup, passphrase)
	if err != nil {
		return nil, err
	}
	pair, err := m.Vault.Import(ctx, priv)
	if err != nil {
		return nil, err
	}
	m.Log.Info().
		Str("fingerprint", keyvault.Fingerprint(pair.Public)).
		Msg("Restored key pair from backup")
	return pair, nil
}
