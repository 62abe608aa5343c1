package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// recvWindow bounds how stale a signed request may be by the time it
// reaches the matching engine, in milliseconds.
const defaultRecvWindow = 5000

// Signer produces query strings for the authenticated REST endpoints.
// Binance signs the urlencoded parameters with HMAC-SHA256 and expects
// the hex digest appended as a trailing signature parameter; the API
// key itself travels in the X-MBX-APIKEY header.
type Signer struct {
	apiKey     string
	secret     []byte
	recvWindow int64
	now        func() time.Time
}

func NewSigner(apiKey, secret string) *Signer {
	return &Signer{
		apiKey:     apiKey,
		secret:     []byte(secret),
		recvWindow: defaultRecvWindow,
		now:        time.Now,
	}
}

// APIKey returns the key for the X-MBX-APIKEY header.
func (s *Signer) APIKey() string { return s.apiKey }

// Sign stamps params with timestamp and recvWindow, signs the encoded
// query and returns it with the signature appended. The signature must
// remain the final parameter: the server verifies the raw query string
// preceding it, so re-encoding the result would break authentication.
func (s *Signer) Sign(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(s.recvWindow, 10))

	query := params.Encode()
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}
