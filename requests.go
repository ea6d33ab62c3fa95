package messup

import (
	"github.com/messup-chat/messup-go/crypto/jwk"
	"github.com/messup-chat/messup-go/id"
)

// ReqUploadPublicKey is the JSON request for POST /api/keys/upload
type ReqUploadPublicKey struct {
	Username     id.Username `json:"username"`
	PublicKeyJWK *jwk.Key    `json:"publicKeyJwk"`
}

// ReqUploadPrivateKey is the JSON request for POST /api/keys/upload-private
//
// All binary values are base64-encoded. The server stores the values opaquely.
type ReqUploadPrivateKey struct {
	Username            id.Username `json:"username"`
	EncryptedPrivateKey string      `json:"encryptedPrivateKey"`
	Salt                string      `json:"salt"`
	IV                  string      `json:"iv"`
}
