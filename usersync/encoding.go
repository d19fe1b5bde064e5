package usersync

import (
	"encoding/base64"
	"encoding/json"
)

// Encoder turns a cookie into the value stored in the browser.
type Encoder interface {
	Encode(c *Cookie) (string, error)
}

// Decoder reads a cookie back from its stored value.
type Decoder interface {
	// Decode never fails: a corrupted value decodes to an empty cookie.
	Decode(v string) *Cookie
}

// Base64EncoderV1 stores the cookie as url-safe base64 json.
type Base64EncoderV1 struct{}

func (e Base64EncoderV1) Encode(c *Cookie) (string, error) {
	j, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(j), nil
}

// Base64DecoderV1 reads values written by Base64EncoderV1.
type Base64DecoderV1 struct{}

func (d Base64DecoderV1) Decode(encodedValue string) *Cookie {
	jsonValue, err := base64.URLEncoding.DecodeString(encodedValue)
	if err != nil {
		// corrupted cookie; we should reset
		return NewCookie()
	}

	var cookie Cookie
	if err = json.Unmarshal(jsonValue, &cookie); err != nil {
		// corrupted cookie; we should reset
		return NewCookie()
	}
	return &cookie
}
