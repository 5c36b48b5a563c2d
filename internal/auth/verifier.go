// Package auth verifies bearer tokens and maps them to a caller principal.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles.
const (
	RoleAdmin     = "admin"
	RoleDriver    = "driver"
	RoleRequester = "requester"
)

// Modes.
const (
	ModeDev  = "dev"
	ModeHMAC = "hmac"
	ModeJWKS = "jwks"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownRole  = errors.New("unknown role")
)

type Principal struct {
	UserID   string
	Role     string
	DriverID string
}

func (p Principal) IsAdmin() bool  { return p.Role == RoleAdmin }
func (p Principal) IsDriver() bool { return p.Role == RoleDriver }

// Claims is the token body we accept. sub carries the user id; driver_id is
// set for ambulance crews.
type Claims struct {
	Role     string `json:"role"`
	DriverID string `json:"driver_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens.
// Modes: dev (token is "user:role[:driverId]", no signature), hmac (HS256),
// jwks (RS256 with keys from a JWKS URL).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	JWKSURL    string

	http      *http.Client
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
	cacheTTL  time.Duration
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func NewVerifier(mode, hmacSecret, jwksURL string) (*Verifier, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeDev
	}
	v := &Verifier{
		Mode:       mode,
		HMACSecret: []byte(hmacSecret),
		JWKSURL:    jwksURL,
		http:       &http.Client{Timeout: 5 * time.Second},
		cacheTTL:   10 * time.Minute,
	}
	switch mode {
	case ModeDev:
	case ModeHMAC:
		if hmacSecret == "" {
			return nil, errors.New("auth: hmac mode needs AUTH_HMAC_SECRET")
		}
	case ModeJWKS:
		if jwksURL == "" {
			return nil, errors.New("auth: jwks mode needs AUTH_JWKS_URL")
		}
	default:
		return nil, fmt.Errorf("auth: unsupported mode %q", mode)
	}
	return v, nil
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == ModeDev {
		return parseDevToken(token)
	}
	claims := &Claims{}
	var opts []jwt.ParserOption
	switch v.Mode {
	case ModeHMAC:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	case ModeJWKS:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	}
	tok, err := jwt.ParseWithClaims(token, claims, v.keyFunc, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return principal(claims.Subject, claims.Role, claims.DriverID)
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if v.Mode == ModeHMAC {
		return v.HMACSecret, nil
	}
	kid, _ := t.Header["kid"].(string)
	return v.rsaPublicKey(kid)
}

func parseDevToken(token string) (Principal, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 2 || parts[0] == "" {
		return Principal{}, fmt.Errorf("%w: expected user:role[:driverId]", ErrInvalidToken)
	}
	driver := ""
	if len(parts) > 2 {
		driver = parts[2]
	}
	return principal(parts[0], parts[1], driver)
}

func principal(user, role, driver string) (Principal, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleRequester
	}
	switch role {
	case RoleAdmin, RoleRequester:
	case RoleDriver:
		if driver == "" {
			driver = user
		}
	default:
		return Principal{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return Principal{UserID: user, Role: role, DriverID: driver}, nil
}

func (v *Verifier) rsaPublicKey(kid string) (any, error) {
	v.mu.RLock()
	k := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if k == nil || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		k = v.keys[kid]
		v.mu.RUnlock()
	}
	if k == nil {
		return nil, fmt.Errorf("kid %q not found in JWKS", kid)
	}
	return k, nil
}

func (v *Verifier) fetchJWKS() error {
	resp, err := v.http.Get(v.JWKSURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			continue
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
