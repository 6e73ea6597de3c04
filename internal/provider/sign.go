package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// Credential holds the key pair used to sign vendor handshakes
type Credential struct {
	AppID     string
	SecretID  string
	SecretKey string
}

// Validate reports the first missing credential field
func (c Credential) Validate(vendorName string) error {
	switch {
	case c.AppID == "":
		return &ConfigError{Vendor: vendorName, Field: "app_id"}
	case c.SecretID == "":
		return &ConfigError{Vendor: vendorName, Field: "secret_id"}
	case c.SecretKey == "":
		return &ConfigError{Vendor: vendorName, Field: "secret_key"}
	}
	return nil
}

// Sign computes the handshake signature: base64(HMAC-SHA1(secretKey, host+path+"?"+sortedQuery)).
// Keys are sorted and values are not escaped, matching what the vendor signs.
func Sign(secretKey, host, path string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(host)
	b.WriteString(path)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(secretKey))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign and carried in params under
// signatureKey. That parameter itself is excluded from the signed string.
func Verify(secretKey, host, path string, params url.Values, signatureKey string) bool {
	signature := params.Get(signatureKey)
	if signature == "" {
		return false
	}

	unsigned := url.Values{}
	for k, v := range params {
		if k != signatureKey {
			unsigned[k] = v
		}
	}
	expected := Sign(secretKey, host, path, unsigned)
	return hmac.Equal([]byte(signature), []byte(expected))
}
