package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"FundLedger/internal/ledger"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const issuer = "fundledger"

// Authenticator maps HS256 bearer tokens to caller addresses; the sub claim
// is the address. A nil or secretless Authenticator trusts the caller named
// in the request.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

func (a *Authenticator) Enabled() bool { return a != nil && len(a.secret) > 0 }

// Issue signs a token for subject valid for ttl.
func (a *Authenticator) Issue(subject ledger.Address, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("authenticator has no secret")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   string(subject),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate validates a bearer token and returns its subject.
func (a *Authenticator) Authenticate(token string) (ledger.Address, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("missing bearer token: %w", ErrUnauthenticated)
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject: %w", ErrUnauthenticated)
	}
	return ledger.Address(claims.Subject), nil
}

type callerKey struct{}

// WithCaller records the authenticated caller on ctx.
func WithCaller(ctx context.Context, caller ledger.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (ledger.Address, bool) {
	c, ok := ctx.Value(callerKey{}).(ledger.Address)
	return c, ok && c != ""
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// UnaryInterceptor authenticates every call except health and reflection.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !a.Enabled() || strings.HasPrefix(info.FullMethod, "/grpc.health.") || strings.HasPrefix(info.FullMethod, "/grpc.reflection.") {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		caller, err := a.Authenticate(bearer(header))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(WithCaller(ctx, caller), req)
	}
}

// Middleware authenticates HTTP requests the same way.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		caller, err := a.Authenticate(bearer(r.Header.Get("Authorization")))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}
