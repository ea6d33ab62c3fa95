// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package jwk implements the JSON Web Key encoding of RSA-OAEP keys, which is the format keys are stored
// and exchanged in.
package jwk

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

const (
	KeyTypeRSA       = "RSA"
	AlgRSAOAEP256    = "RSA-OAEP-256"
	OperationEncrypt = "encrypt"
	OperationDecrypt = "decrypt"
)

var (
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	ErrMissingParameter   = errors.New("missing key parameter")
	ErrNotPrivateKey      = errors.New("key doesn't contain private parameters")
)

// Key is an RSA key in JSON Web Key format. Public keys only have N and E set.
type Key struct {
	KeyType     string   `json:"kty"`
	Algorithm   string   `json:"alg,omitempty"`
	Extractable bool     `json:"ext,omitempty"`
	KeyOps      []string `json:"key_ops,omitempty"`

	N string `json:"n"`
	E string `json:"e"`

	D  string `json:"d,omitempty"`
	P  string `json:"p,omitempty"`
	Q  string `json:"q,omitempty"`
	DP string `json:"dp,omitempty"`
	DQ string `json:"dq,omitempty"`
	QI string `json:"qi,omitempty"`
}

func encodeInt(i *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(i.Bytes())
}

func decodeInt(name, val string) (*big.Int, error) {
	if val == "" {
		return nil, fmt.Errorf("%w %s", ErrMissingParameter, name)
	}
	data, err := base64.RawURLEncoding.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return new(big.Int).SetBytes(data), nil
}

// FromPublicKey encodes the given RSA public key.
func FromPublicKey(pub *rsa.PublicKey) *Key {
	return &Key{
		KeyType:     KeyTypeRSA,
		Algorithm:   AlgRSAOAEP256,
		Extractable: true,
		KeyOps:      []string{OperationEncrypt},

		N: encodeInt(pub.N),
		E: encodeInt(big.NewInt(int64(pub.E))),
	}
}

// FromPrivateKey encodes the given RSA private key including the CRT parameters.
func FromPrivateKey(priv *rsa.PrivateKey) *Key {
	priv.Precompute()
	key := FromPublicKey(&priv.PublicKey)
	key.KeyOps = []string{OperationDecrypt}
	key.D = encodeInt(priv.D)
	if len(priv.Primes) == 2 {
		key.P = encodeInt(priv.Primes[0])
		key.Q = encodeInt(priv.Primes[1])
		key.DP = encodeInt(priv.Precomputed.Dp)
		key.DQ = encodeInt(priv.Precomputed.Dq)
		key.QI = encodeInt(priv.Precomputed.Qinv)
	}
	return key
}

// IsPrivate returns true if the key contains the private exponent.
func (key *Key) IsPrivate() bool {
	return key.D != ""
}

// Public returns a copy of the key with all private parameters removed.
//
// The public half is derived purely from the modulus and the public exponent,
// which is how a public key is rebuilt after restoring a private key from a backup.
func (key *Key) Public() *Key {
	return &Key{
		KeyType:     key.KeyType,
		Algorithm:   key.Algorithm,
		Extractable: true,
		KeyOps:      []string{OperationEncrypt},

		N: key.N,
		E: key.E,
	}
}

// PublicKey decodes the RSA public key.
func (key *Key) PublicKey() (*rsa.PublicKey, error) {
	if key.KeyType != KeyTypeRSA {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedKeyType, key.KeyType)
	}
	n, err := decodeInt("n", key.N)
	if err != nil {
		return nil, err
	}
	e, err := decodeInt("e", key.E)
	if err != nil {
		return nil, err
	} else if !e.IsInt64() || e.Int64() > 1<<31-1 || e.Int64() < 3 {
		return nil, fmt.Errorf("invalid public exponent")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// PrivateKey decodes and validates the RSA private key.
func (key *Key) PrivateKey() (*rsa.PrivateKey, error) {
	if !key.IsPrivate() {
		return nil, ErrNotPrivateKey
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	d, err := decodeInt("d", key.D)
	if err != nil {
		return nil, err
	}
	p, err := decodeInt("p", key.P)
	if err != nil {
		return nil, err
	}
	q, err := decodeInt("q", key.Q)
	if err != nil {
		return nil, err
	}
	priv := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	if err = priv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	priv.Precompute()
	return priv, nil
}
