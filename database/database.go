// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package database

import (
	"go.mau.fi/util/dbutil"

	"github.com/messup-chat/messup-go/database/upgrades"
)

type Database struct {
	*dbutil.Database

	KeyPair    KeyPairQuery
	ContactKey ContactKeyQuery
}

func New(rawDB *dbutil.Database) *Database {
	rawDB.UpgradeTable = upgrades.Table
	return &Database{
		Database: rawDB,

		KeyPair:    KeyPairQuery{QueryHelper: dbutil.MakeQueryHelper(rawDB, newKeyPair)},
		ContactKey: ContactKeyQuery{QueryHelper: dbutil.MakeQueryHelper(rawDB, newContactKey)},
	}
}

func newKeyPair(_ *dbutil.QueryHelper[*KeyPair]) *KeyPair {
	return &KeyPair{}
}

func newContactKey(_ *dbutil.QueryHelper[*ContactKey]) *ContactKey {
	return &ContactKey{}
}
