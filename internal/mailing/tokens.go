package mailing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
)

// ErrBadToken is returned when a link token does not match its uid.
var ErrBadToken = errors.New("invalid link token")

const tokenLength = 20

// Signer produces the uid/token pair embedded in view and unsubscribe links.
// A token binds one contact to one campaign.
type Signer struct {
	key []byte
}

func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// UID encodes a contact ID for use in a URL path.
func UID(contactID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(contactID))
}

// ContactID reverses UID.
func ContactID(uid string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(uid)
	if err != nil {
		return "", ErrBadToken
	}
	return string(b), nil
}

// Token signs the (campaign, contact) pair.
func (s *Signer) Token(campaignID, contactID string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(campaignID))
	mac.Write([]byte{0})
	mac.Write([]byte(contactID))
	return hex.EncodeToString(mac.Sum(nil))[:tokenLength]
}

// Verify checks a uid/token pair for campaignID and returns the contact ID.
func (s *Signer) Verify(campaignID, uid, token string) (string, error) {
	contactID, err := ContactID(uid)
	if err != nil {
		return "", err
	}
	if !hmac.Equal([]byte(s.Token(campaignID, contactID)), []byte(token)) {
		return "", ErrBadToken
	}
	return contactID, nil
}

// UniqueKey returns n characters drawn uniformly from charset.
func UniqueKey(n int, charset string) (string, error) {
	if n <= 0 || charset == "" {
		return "", nil
	}
	runes := []rune(charset)
	max := big.NewInt(int64(len(runes)))
	out := make([]rune, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = runes[idx.Int64()]
	}
	return string(out), nil
}
