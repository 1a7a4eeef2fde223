// Package signature signs and verifies payment-provider webhook bodies.
//
// The header has the form "t=<unix seconds>,v1=<hex hmac-sha256>" and the
// MAC covers "<t>.<body>". Several v1 values may be present during secret
// rotation; any match is accepted.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header is the HTTP header carrying the signature.
const Header = "Payment-Signature"

// DefaultTolerance is the accepted clock skew between signer and verifier.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingHeader = errors.New("signature: missing header")
	ErrMalformed     = errors.New("signature: malformed header")
	ErrExpired       = errors.New("signature: timestamp outside tolerance")
	ErrMismatch      = errors.New("signature: no matching signature")
)

type Signer struct {
	secretKey []byte
	tolerance time.Duration
}

func NewSigner(secretKey string, tolerance time.Duration) *Signer {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Signer{
		secretKey: []byte(secretKey),
		tolerance: tolerance,
	}
}

func (s *Signer) mac(timestamp int64, body []byte) string {
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign returns the header value for body signed at t.
func (s *Signer) Sign(t time.Time, body []byte) string {
	ts := t.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, s.mac(ts, body))
}

// Verify checks header against body at time now.
func (s *Signer) Verify(header string, body []byte, now time.Time) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingHeader
	}

	var (
		ts     int64
		haveTS bool
		sigs   []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrMalformed
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrMalformed
			}
			ts, haveTS = n, true
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if !haveTS || len(sigs) == 0 {
		return ErrMalformed
	}

	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.tolerance {
		return ErrExpired
	}

	expected := []byte(s.mac(ts, body))
	for _, sig := range sigs {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrMismatch
}
