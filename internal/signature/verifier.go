// Package signature authenticates inbound webhook payloads. Every source
// brings its own construction (what is signed, how the digest is encoded,
// which header carries it); the Verifier picks the right one by source name.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v73/github"

	"github.com/sevigo/invoice-relay/internal/config"
)

const defaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("signature header is missing")
	ErrMismatch         = errors.New("signature does not match payload")
	ErrStaleTimestamp   = errors.New("signature timestamp outside tolerance")
	ErrUnknownSource    = errors.New("no signature scheme for source")
)

type scheme interface {
	check(raw []byte, headers http.Header, now time.Time, replay bool) error
}

// Verifier checks payload authenticity for every configured source.
// It is safe for concurrent use; its scheme table is fixed at construction.
type Verifier struct {
	schemes map[string]scheme
	logger  *slog.Logger
	now     func() time.Time
}

// New builds the scheme table from the source configuration.
func New(sources *config.Sources, logger *slog.Logger) *Verifier {
	v := &Verifier{
		schemes: make(map[string]scheme, sources.Len()),
		logger:  logger,
		now:     time.Now,
	}
	for _, name := range sources.Names() {
		sc, _ := sources.Get(name)
		if sc.Outbound {
			continue
		}
		v.schemes[name] = buildScheme(sc)
	}
	return v
}

func buildScheme(sc config.SourceConfig) scheme {
	switch sc.Scheme {
	case config.SchemeTimestampedHMAC:
		tolerance := sc.Tolerance
		if tolerance <= 0 {
			tolerance = defaultTolerance
		}
		return timestampedHMAC{
			secret:          []byte(sc.Secret),
			header:          sc.SignatureHeader,
			timestampHeader: sc.TimestampHeader,
			prefix:          sc.Prefix,
			encoding:        sc.Encoding,
			tolerance:       tolerance,
		}
	case config.SchemeHMAC:
		return bodyHMAC{
			secret:   []byte(sc.Secret),
			header:   sc.SignatureHeader,
			prefix:   sc.Prefix,
			encoding: sc.Encoding,
		}
	case config.SchemeHub:
		return hubSignature{secret: []byte(sc.Secret), header: sc.SignatureHeader}
	default:
		return permissive{}
	}
}

// Verify reports whether raw is an authentic payload from source. It never
// panics and never returns an error, so the caller can decide the HTTP
// response on its own.
func (v *Verifier) Verify(source string, raw []byte, headers http.Header) bool {
	err := v.Check(source, raw, headers)
	if err != nil {
		v.logger.Warn("webhook signature rejected", "source", source, "reason", err)
		return false
	}
	return true
}

// Check is Verify with the failure reason.
func (v *Verifier) Check(source string, raw []byte, headers http.Header) error {
	return v.check(source, raw, headers, true)
}

// VerifyStored re-checks a persisted payload. The replay window is not
// applied because stored jobs are legitimately older than the tolerance.
func (v *Verifier) VerifyStored(source string, raw []byte, headers map[string]string) error {
	h := make(http.Header, len(headers))
	for k, val := range headers {
		h.Set(k, val)
	}
	return v.check(source, raw, h, false)
}

func (v *Verifier) check(source string, raw []byte, headers http.Header, replay bool) error {
	s, ok := v.schemes[strings.ToLower(source)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if _, open := s.(permissive); open {
		v.logger.Warn("accepting unsigned webhook on lowered-trust path", "source", source)
		return nil
	}
	return s.check(raw, headers, v.now(), replay)
}

// permissive accepts everything. Sources configured with scheme "none" land here.
type permissive struct{}

func (permissive) check([]byte, http.Header, time.Time, bool) error { return nil }

// bodyHMAC is HMAC-SHA256 over the raw body.
type bodyHMAC struct {
	secret   []byte
	header   string
	prefix   string
	encoding string
}

func (s bodyHMAC) check(raw []byte, headers http.Header, _ time.Time, _ bool) error {
	sig := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(headers.Get(s.header)), s.prefix))
	if sig == "" {
		return ErrMissingSignature
	}
	return compare(sign(s.secret, raw), sig, s.encoding)
}

// timestampedHMAC is HMAC-SHA256 over timestamp + "." + body. The timestamp
// comes from its own header, or from a composite "t=...,v1=..." signature
// header when no timestamp header is configured.
type timestampedHMAC struct {
	secret          []byte
	header          string
	timestampHeader string
	prefix          string
	encoding        string
	tolerance       time.Duration
}

func (s timestampedHMAC) check(raw []byte, headers http.Header, now time.Time, replay bool) error {
	value := strings.TrimSpace(headers.Get(s.header))
	if value == "" {
		return ErrMissingSignature
	}

	var ts string
	var candidates []string
	if s.timestampHeader != "" {
		ts = strings.TrimSpace(headers.Get(s.timestampHeader))
		candidates = []string{strings.TrimSpace(strings.TrimPrefix(value, s.prefix))}
	} else {
		ts, candidates = parseComposite(value)
	}
	if ts == "" || len(candidates) == 0 {
		return ErrMissingSignature
	}

	if replay {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid signature timestamp %q: %w", ts, err)
		}
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > s.tolerance {
			return ErrStaleTimestamp
		}
	}

	signed := make([]byte, 0, len(ts)+1+len(raw))
	signed = append(signed, ts...)
	signed = append(signed, '.')
	signed = append(signed, raw...)
	expected := sign(s.secret, signed)

	for _, c := range candidates {
		if compare(expected, c, s.encoding) == nil {
			return nil
		}
	}
	return ErrMismatch
}

// parseComposite splits "t=1492774577,v1=abc,v1=def" into the timestamp and
// every v1 signature. Providers send more than one v1 while rotating secrets.
func parseComposite(value string) (string, []string) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	return ts, sigs
}

// hubSignature is the "sha256=<hex>" scheme used by Meta and GitHub style
// webhooks; go-github already implements it.
type hubSignature struct {
	secret []byte
	header string
}

func (s hubSignature) check(raw []byte, headers http.Header, _ time.Time, _ bool) error {
	sig := strings.TrimSpace(headers.Get(s.header))
	if sig == "" {
		return ErrMissingSignature
	}
	if err := github.ValidateSignature(sig, raw, s.secret); err != nil {
		return fmt.Errorf("%w: %w", ErrMismatch, err)
	}
	return nil
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(data)
	return mac.Sum(nil)
}

// compare decodes the presented digest and compares it in constant time.
func compare(expected []byte, presented, encoding string) error {
	var decoded []byte
	var err error
	switch strings.ToLower(encoding) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(presented)
	default:
		decoded, err = hex.DecodeString(presented)
	}
	if err != nil {
		return fmt.Errorf("%w: undecodable digest", ErrMismatch)
	}
	if !hmac.Equal(decoded, expected) {
		return ErrMismatch
	}
	return nil
}
