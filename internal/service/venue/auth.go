package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	httpclient "PolySignals/pkg/http"
)

// Credentials are the venue's API-key triple.
type Credentials struct {
	Key        string
	Secret     string // base64url encoded
	Passphrase string
}

// Sign returns the L2 signature of timestamp+method+path+body.
func (c Credentials) Sign(timestamp int64, method, path string, body []byte) (string, error) {
	secret, err := decodeSecret(c.Secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Signer adapts the credentials to the HTTP client.
func (c Credentials) Signer(now func() time.Time) httpclient.Signer {
	return func(req *http.Request, body []byte) error {
		ts := now().Unix()
		sig, err := c.Sign(ts, req.Method, req.URL.Path, body)
		if err != nil {
			return err
		}
		req.Header.Set("POLY_API_KEY", c.Key)
		req.Header.Set("POLY_PASSPHRASE", c.Passphrase)
		req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
		req.Header.Set("POLY_SIGNATURE", sig)
		return nil
	}
}

func decodeSecret(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
