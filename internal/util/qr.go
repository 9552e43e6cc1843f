package util

import (
	"errors"
	"net/url"
	"strings"
)

const (
	QRScheme = "bumpx"
	qrHost   = "pair"
)

var ErrMalformedQRPayload = errors.New("malformed qr payload")

// EncodeQRPayload renders the string a QR code carries for token.
func EncodeQRPayload(token string) string {
	u := url.URL{Scheme: QRScheme, Host: qrHost, RawQuery: url.Values{"token": {token}}.Encode()}
	return u.String()
}

// ParseQRPayload accepts either a bare token or a bumpx://pair?token= URI.
func ParseQRPayload(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, QRScheme+"://") {
		u, err := url.Parse(payload)
		if err != nil || u.Host != qrHost {
			return "", ErrMalformedQRPayload
		}
		payload = u.Query().Get("token")
	}

	token := strings.ToLower(payload)
	if !IsValidToken(token) {
		return "", ErrMalformedQRPayload
	}
	return token, nil
}
