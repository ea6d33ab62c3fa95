package messup

import (
	"github.com/messup-chat/messup-go/id"
)

// RespPrivateKeyBackup is the JSON response for GET /api/keys/get-private/{username}
type RespPrivateKeyBackup struct {
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	Salt                string `json:"salt"`
	IV                  string `json:"iv"`
}

// RespCurrentUser is the JSON response for GET /api/users/current
type RespCurrentUser struct {
	ID         int64       `json:"id,omitempty"`
	Username   id.Username `json:"username"`
	Email      string      `json:"email,omitempty"`
	ProfilePic string      `json:"profilePic,omitempty"`
}
