// credential.go
// -------------
// This file defines the Credential value and the CredentialHolder that owns the current one.
//
// A Credential wraps a bearer token in JWT form (header.payload.signature, base64url). The
// payload is decoded once when the Credential is built; the exp and iat claims are cached on
// the value, which is immutable afterwards. The signature is never verified locally: the
// upstream service is the authority on that.
//
// The CredentialHolder swaps credentials atomically. Requests take a snapshot of the current
// credential when they start, so a rotation never affects a request already in flight.
package gatewaybridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
)

// Credential is an immutable bearer token together with its decoded timing claims.
type Credential struct {
	raw     string
	subject string

	expiry    time.Time
	hasExpiry bool

	issuedAt    time.Time
	hasIssuedAt bool
}

// ParseCredential decodes raw and returns a Credential. Malformed tokens (wrong segment count,
// invalid base64url, a payload that is not a JSON object, non-numeric timing claims) are
// reported as ErrCorruptCredential.
func ParseCredential(raw string) (*Credential, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrCorruptCredential)
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: token has %d segments, want 3", ErrCorruptCredential, len(parts))
	}
	// Padded segments are accepted; the decoder below expects the unpadded form.
	for i := range parts {
		parts[i] = strings.TrimRight(parts[i], "=")
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return nil, fmt.Errorf("%w: signature segment: %v", ErrCorruptCredential, err)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithJSONNumber())
	if _, _, err := parser.ParseUnverified(strings.Join(parts, "."), claims); err != nil && !claimsDecoded(err) {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}

	cred := &Credential{raw: raw}
	var err error
	if cred.expiry, cred.hasExpiry, err = numericDateClaim(claims, "exp"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
	if cred.issuedAt, cred.hasIssuedAt, err = numericDateClaim(claims, "iat"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
	if sub, ok := claims["sub"].(string); ok {
		cred.subject = sub
	}
	return cred, nil
}

// CredentialFromOAuth2Token builds a Credential from an oauth2 token. When the access token
// carries no exp claim, the token's Expiry field is used instead.
func CredentialFromOAuth2Token(tok *oauth2.Token) (*Credential, error) {
	if tok == nil {
		return nil, fmt.Errorf("%w: nil token", ErrCorruptCredential)
	}
	cred, err := ParseCredential(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if !cred.hasExpiry && !tok.Expiry.IsZero() {
		withExpiry := *cred
		withExpiry.expiry = tok.Expiry
		withExpiry.hasExpiry = true
		return &withExpiry, nil
	}
	return cred, nil
}

// claimsDecoded reports whether a ParseUnverified error happened after the claims were
// decoded. An unknown or missing alg header only matters for verification, which is not
// done here.
func claimsDecoded(err error) bool {
	var ve *jwt.ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	return ve.Errors&jwt.ValidationErrorMalformed == 0
}

// maxNumericDate is 9999-12-31T23:59:59Z in unix seconds, the last instant RFC 3339 can print.
const maxNumericDate = 253402300799

func numericDateClaim(claims jwt.MapClaims, name string) (time.Time, bool, error) {
	v, ok := claims[name]
	if !ok || v == nil {
		return time.Time{}, false, nil
	}

	var secs float64
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return time.Time{}, false, fmt.Errorf("claim %q: %w", name, err)
		}
		secs = f
	case float64:
		secs = n
	default:
		return time.Time{}, false, fmt.Errorf("claim %q is %T, want a numeric date", name, v)
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, false, fmt.Errorf("claim %q is not a finite number", name)
	}
	if math.Abs(secs) > maxNumericDate {
		return time.Time{}, false, fmt.Errorf("claim %q is out of range: %g", name, secs)
	}

	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), true, nil
}

// Token returns the raw token for the Authorization header.
func (c *Credential) Token() string {
	return c.raw
}

// Subject returns the sub claim, or "" when absent.
func (c *Credential) Subject() string {
	return c.subject
}

// Expiry returns the exp claim and whether it was present.
func (c *Credential) Expiry() (time.Time, bool) {
	return c.expiry, c.hasExpiry
}

// IssuedAt returns the iat claim and whether it was present.
func (c *Credential) IssuedAt() (time.Time, bool) {
	return c.issuedAt, c.hasIssuedAt
}

// IsExpired reports whether the expiry is strictly before now. Credentials without an exp
// claim never expire.
func (c *Credential) IsExpired(now time.Time) bool {
	return c.hasExpiry && c.expiry.Before(now)
}

// String never prints the token itself.
func (c *Credential) String() string {
	if !c.hasExpiry {
		return "Credential(no expiry)"
	}
	return fmt.Sprintf("Credential(expires %s)", c.expiry.UTC().Format(time.RFC3339))
}

// CredentialHolder owns the credential used for outgoing requests. Safe for concurrent use.
type CredentialHolder struct {
	current atomic.Pointer[Credential]
}

var _ oauth2.TokenSource = (*CredentialHolder)(nil)

// NewCredentialHolder returns a holder for cred.
func NewCredentialHolder(cred *Credential) (*CredentialHolder, error) {
	if cred == nil {
		return nil, fmt.Errorf("%w: nil credential", ErrCorruptCredential)
	}
	h := &CredentialHolder{}
	h.current.Store(cred)
	return h, nil
}

// NewCredentialHolderFromToken parses raw and returns a holder for it.
func NewCredentialHolderFromToken(raw string) (*CredentialHolder, error) {
	cred, err := ParseCredential(raw)
	if err != nil {
		return nil, err
	}
	return NewCredentialHolder(cred)
}

// Current returns the held credential. It performs no I/O.
func (h *CredentialHolder) Current() *Credential {
	return h.current.Load()
}

// IsExpired reports whether the held credential is expired at now.
func (h *CredentialHolder) IsExpired(now time.Time) bool {
	return h.Current().IsExpired(now)
}

// Replace swaps in cred. Requests already in flight keep the credential they attached.
func (h *CredentialHolder) Replace(cred *Credential) error {
	if cred == nil {
		return fmt.Errorf("%w: nil credential", ErrCorruptCredential)
	}
	h.current.Store(cred)
	return nil
}

// Rotate parses raw and swaps it in. A corrupt token leaves the current credential in place.
func (h *CredentialHolder) Rotate(raw string) error {
	cred, err := ParseCredential(raw)
	if err != nil {
		return err
	}
	return h.Replace(cred)
}

// Refresh fetches a token from src and swaps it in.
func (h *CredentialHolder) Refresh(src oauth2.TokenSource) error {
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("refresh credential: %w", err)
	}
	cred, err := CredentialFromOAuth2Token(tok)
	if err != nil {
		return err
	}
	return h.Replace(cred)
}

// Token implements oauth2.TokenSource so the holder can back an oauth2.Transport.
func (h *CredentialHolder) Token() (*oauth2.Token, error) {
	cred := h.Current()
	if cred.IsExpired(time.Now()) {
		return nil, ErrCredentialExpired
	}
	tok := &oauth2.Token{AccessToken: cred.Token(), TokenType: "Bearer"}
	if exp, ok := cred.Expiry(); ok {
		tok.Expiry = exp
	}
	return tok, nil
}
