// Package auth verifies identity-provider session tokens on incoming requests.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"haven-service/internal/config"
	"haven-service/internal/util"
)

// SessionCookie is where the identity provider keeps the session token for
// same-site browser requests.
const SessionCookie = "__session"

var (
	ErrMissingToken        = errors.New("missing session token")
	ErrInvalidToken        = errors.New("invalid session token")
	ErrUnauthorizedParty   = errors.New("token issued for an unauthorized party")
	ErrMissingSubject      = errors.New("token has no subject")
	ErrPublicKeyUnreadable = errors.New("cannot read session public key")
)

// Claims is the subset of the session token we rely on.
type Claims struct {
	jwt.RegisteredClaims
	AuthorizedParty string `json:"azp,omitempty"`
	SessionID       string `json:"sid,omitempty"`
}

type Verifier struct {
	key     *rsa.PublicKey
	parser  *jwt.Parser
	parties []string
}

// NewVerifier loads the PEM-encoded RS256 public key named in cfg.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	raw, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKeyUnreadable, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKeyUnreadable, err)
	}
	return NewVerifierFromKey(key, cfg), nil
}

func NewVerifierFromKey(key *rsa.PublicKey, cfg config.AuthConfig) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.ClockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{
		key:     key,
		parser:  jwt.NewParser(opts...),
		parties: cfg.AuthorizedParties,
	}
}

// Verify checks signature, expiry, issuer and authorized party, and returns the claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	if len(v.parties) > 0 && claims.AuthorizedParty != "" && !slices.Contains(v.parties, claims.AuthorizedParty) {
		return nil, ErrUnauthorizedParty
	}
	return claims, nil
}

// TokenFromRequest reads the bearer token, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// Middleware rejects requests without a valid session with 401 and stores
// the subject in the request context otherwise.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			claims *Claims
			err    = ErrMissingToken
		)
		if token := TokenFromRequest(r); token != "" {
			claims, err = v.Verify(token)
		}
		if err != nil {
			util.Debug("Session rejected", util.String("path", r.URL.Path), util.ErrorField(err))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), claims.Subject)))
	})
}

type subjectKey struct{}

func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom returns the authenticated identity id, if any.
func SubjectFrom(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey{}).(string)
	return sub, ok && sub != ""
}
