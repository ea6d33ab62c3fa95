// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package envelope_test

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/messup-chat/messup-go"
	"github.com/messup-chat/messup-go/crypto/envelope"
	"github.com/messup-chat/messup-go/crypto/keyvault"
	"github.com/messup-chat/messup-go/database"
	"github.com/messup-chat/messup-go/id"
)

type mapStore struct {
	lock  sync.Mutex
	pairs map[id.Username]*database.KeyPair
}

func (ms *mapStore) Get(_ context.Context, username id.Username) (*database.KeyPair, error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return ms.pairs[username], nil
}

func (ms *mapStore) Put(_ context.Context, kp *database.KeyPair) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.pairs[kp.Username] = kp
	return nil
}

func (ms *mapStore) SetUploadPending(_ context.Context, username id.Username, pending bool) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if kp, ok := ms.pairs[username]; ok {
		kp.UploadPending = pending
	}
	return nil
}

type staticResolver map[id.Username]*rsa.PublicKey

func (sr staticResolver) Resolve(_ context.Context, username id.Username) (*rsa.PublicKey, error) {
	key, ok := sr[username]
	if !ok {
		return nil, fmt.Errorf("%w for %s", messup.ErrKeyNotFound, username)
	}
	return key, nil
}

type testParty struct {
	vault  *keyvault.Vault
	cipher *envelope.Cipher
}

var setupOnce sync.Once
var alice, bob, carol testParty

func setupParties(t *testing.T) {
	setupOnce.Do(func() {
		store := &mapStore{pairs: make(map[id.Username]*database.KeyPair)}
		resolver := make(staticResolver)
		for _, party := range []struct {
			name id.Username
			into *testParty
		}{{"alice", &alice}, {"bob", &bob}, {"carol", &carol}} {
			vault := keyvault.NewVault(party.name, store, zerolog.Nop())
			pair, err := vault.Generate(context.TODO())
			if err != nil {
				panic(err)
			}
			resolver[party.name] = pair.Public
			*party.into = testParty{
				vault:  vault,
				cipher: envelope.NewCipher(party.name, vault, resolver, zerolog.Nop()),
			}
		}
	})
	require.NotNil(t, alice.cipher)
}

func TestCipher_RoundTrip(t *testing.T) {
	setupParties(t)
	ctx := context.TODO()
	for _, plaintext := range []string{"hi bob", "", "🐈 unicode ✓", string(make([]byte, 4096))} {
		env, err := alice.cipher.Encrypt(ctx, plaintext, "bob")
		require.NoError(t, err)
		assert.NotEmpty(t, env.EncryptedKeyForRecipient)
		assert.NotEmpty(t, env.EncryptedKeyForSender)
		assert.NotEqual(t, env.EncryptedKeyForRecipient, env.EncryptedKeyForSender)
		assert.Equal(t, id.Username("bob"), env.EncryptedFor)
		assert.Equal(t, id.Username("alice"), env.EncryptedBy)
		assert.Len(t, env.IV, 12)

		decrypted, err := bob.cipher.DecryptEnvelope(env)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
		decrypted, err = alice.cipher.DecryptEnvelope(env)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)

		_, err = carol.cipher.DecryptEnvelope(env)
		assert.ErrorIs(t, err, envelope.ErrDecryptionFailure)
	}
}

func TestCipher_Scenario(t *testing.T) {
	setupParties(t)
	body, err := alice.cipher.EncryptString(context.TODO(), "hi bob", "bob")
	require.NoError(t, err)
	assert.True(t, envelope.IsEncrypted(body))
	assert.NotEqual(t, gjson.Get(body, "encryptedKeyForRecipient").Str, gjson.Get(body, "encryptedKeyForSender").Str)
	assert.Equal(t, "bob", gjson.Get(body, "encryptedFor").Str)
	assert.True(t, gjson.Get(body, "timestamp").Int() > 0)

	text, failed := bob.cipher.DecryptOrMarker(body)
	assert.False(t, failed)
	assert.Equal(t, "hi bob", text)
	text, failed = alice.cipher.DecryptOrMarker(body)
	assert.False(t, failed)
	assert.Equal(t, "hi bob", text)
}

func TestCipher_EncryptionUnavailable(t *testing.T) {
	setupParties(t)
	env, err := alice.cipher.Encrypt(context.TODO(), "hello?", "nobody")
	assert.Nil(t, env)
	assert.ErrorIs(t, err, envelope.ErrEncryptionUnavailable)
	assert.ErrorIs(t, err, messup.ErrKeyNotFound)
}

func flipByte(t *testing.T, body, field string, index int) string {
	raw, err := base64.StdEncoding.DecodeString(gjson.Get(body, field).Str)
	require.NoError(t, err)
	require.Greater(t, len(raw), index)
	raw[index] ^= 0x01
	tampered, err := sjson.Set(body, field, base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	return tampered
}

func TestCipher_Tamper(t *testing.T) {
	setupParties(t)
	body, err := alice.cipher.EncryptString(context.TODO(), "transfer 10 coins", "bob")
	require.NoError(t, err)
	msgLen := len(gjson.Get(body, "encryptedMessage").Str) * 3 / 4
	for _, field := range []string{"encryptedMessage", "iv"} {
		for _, index := range []int{0, 5, 11} {
			if field == "encryptedMessage" && index >= msgLen {
				continue
			}
			t.Run(fmt.Sprintf("%s/%d", field, index), func(t *testing.T) {
				tampered := flipByte(t, body, field, index)
				require.True(t, envelope.IsEncrypted(tampered))
				text, failed := bob.cipher.DecryptOrMarker(tampered)
				assert.True(t, failed)
				assert.Equal(t, envelope.MarkerDecryptionFailed, text)
			})
		}
	}
	text, failed := bob.cipher.DecryptOrMarker(flipByte(t, body, "encryptedKeyForRecipient", 7))
	assert.True(t, failed)
	assert.Equal(t, envelope.MarkerDecryptionFailed, text)

	text, failed = bob.cipher.DecryptOrMarker(`{"encryptedMessage": 1`)
	assert.True(t, failed)
	assert.Equal(t, envelope.MarkerInvalidFormat, text)
}

func TestIsEncrypted(t *testing.T) {
	setupParties(t)
	body, err := alice.cipher.EncryptString(context.TODO(), "hello", "bob")
	require.NoError(t, err)

	assert.False(t, envelope.IsEncrypted("hello"))
	assert.False(t, envelope.IsEncrypted(""))
	assert.False(t, envelope.IsEncrypted("{}"))
	assert.False(t, envelope.IsEncrypted("[1, 2, 3]"))
	assert.False(t, envelope.IsEncrypted(`{"not": "an envelope"}`))
	assert.True(t, envelope.IsEncrypted(body))
	assert.True(t, envelope.IsEncrypted("  \n"+body))

	for _, field := range []string{"encryptedMessage", "encryptedKeyForRecipient", "encryptedKeyForSender", "iv"} {
		t.Run(field, func(t *testing.T) {
			missing, err := sjson.Delete(body, field)
			require.NoError(t, err)
			assert.False(t, envelope.IsEncrypted(missing), "missing field")
			empty, err := sjson.Set(body, field, "")
			require.NoError(t, err)
			assert.False(t, envelope.IsEncrypted(empty), "empty field")
			number, err := sjson.Set(body, field, 12345)
			require.NoError(t, err)
			assert.False(t, envelope.IsEncrypted(number), "non-string field")
		})
	}
}
