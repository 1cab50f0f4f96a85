package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"lighter-mm/internal/config"
)

// Auth signs REST requests with an HMAC-SHA256 scheme: a
// "timestamp + method + path [+ body]" message construction keyed by the
// configured private key treated as an opaque shared secret.
//
// The real signing/transport scheme for this venue is explicitly out of
// scope (an external collaborator); this HMAC layer is a concrete stand-in
// exercising the same request-signing shape so
// Client.CreatePostOnlyLimit et al. have something real to call.
type Auth struct {
	accountIndex int64
	apiKeyIndex  int
	secret       []byte
}

// NewAuth builds an Auth from config.
func NewAuth(cfg config.Config) *Auth {
	return &Auth{
		accountIndex: cfg.API.AccountIndex,
		apiKeyIndex:  cfg.API.APIKeyIndex,
		secret:       []byte(cfg.API.PrivateKey),
	}
}

// AccountIndex returns our own account index (cfg.API.AccountIndex).
func (a *Auth) AccountIndex() int64 {
	return a.accountIndex
}

// Headers builds the signed request headers for one REST call.
func (a *Auth) Headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := a.sign(timestamp, method, path, body)
	return map[string]string{
		"X-ACCOUNT-INDEX": strconv.FormatInt(a.accountIndex, 10),
		"X-API-KEY-INDEX": strconv.Itoa(a.apiKeyIndex),
		"X-TIMESTAMP":     timestamp,
		"X-SIGNATURE":     sig,
	}
}

func (a *Auth) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}
