package kucoin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
)

var ErrNoSecret = errors.New("kucoin: credentials have no secret")

// Credentials are the API key triple used for bullet-private. The secret is
// sealed in a memguard Enclave and only opened while signing.
type Credentials struct {
	Key        string
	Passphrase string
	secret     *memguard.Enclave
}

// NewCredentials seals secret into an Enclave. The secret slice is wiped.
func NewCredentials(key string, secret []byte, passphrase string) (*Credentials, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &Credentials{
		Key:        key,
		Passphrase: passphrase,
		secret:     memguard.NewEnclave(secret),
	}, nil
}

// sign returns base64(HMAC-SHA256(secret, msg)).
func (c *Credentials) sign(msg string) (string, error) {
	buf, err := c.secret.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()

	mac := hmac.New(sha256.New, buf.Bytes())
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Apply sets the KC-API-* headers for a request to path with the given body.
// The passphrase is signed as well (key version 2).
func (c *Credentials) Apply(req *http.Request, path, body string, now time.Time) error {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	sig, err := c.sign(ts + req.Method + path + body)
	if err != nil {
		return err
	}
	pass, err := c.sign(c.Passphrase)
	if err != nil {
		return err
	}
	req.Header.Set("KC-API-KEY", c.Key)
	req.Header.Set("KC-API-SIGN", sig)
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-PASSPHRASE", pass)
	req.Header.Set("KC-API-KEY-VERSION", "2")
	return nil
}
