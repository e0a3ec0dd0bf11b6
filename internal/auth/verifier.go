// Package auth provides JWT verification helpers.
package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Verifier validates JWTs and extracts org/role claims.
// Supports modes: dev (no verify), hmac (HS256), jwks (RS256 from JWKS URL).
type Verifier struct {
	Mode         string
	HMACSecret   []byte
	JWKSURL      string
	OrgClaim     string
	RoleClaim    string
	SubjectClaim string

	http      *http.Client
	mu        sync.RWMutex
	keys      keySet
	lastFetch time.Time
	cacheTTL  time.Duration
}

type keySet struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
		Alg string `json:"alg"`
	} `json:"keys"`
}

type Principal struct {
	Org     string
	Role    string
	Subject string
}

func NewVerifierFromEnv() *Verifier {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE")))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{
		Mode:         mode,
		HMACSecret:   []byte(os.Getenv("AUTH_HMAC_SECRET")),
		JWKSURL:      os.Getenv("AUTH_JWKS_URL"),
		OrgClaim:     envOr("AUTH_ORG_CLAIM", "org"),
		RoleClaim:    envOr("AUTH_ROLE_CLAIM", "role"),
		SubjectClaim: envOr("AUTH_SUBJECT_CLAIM", "sub"),
		http:         &http.Client{Timeout: 5 * time.Second},
		cacheTTL:     10 * time.Minute,
	}
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// compact is a decoded three-segment JWT.
type compact struct {
	header  map[string]any
	claims  map[string]any
	sig     []byte
	signing []byte // header.payload, the signed bytes
}

func parseCompact(token string) (compact, error) {
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return compact{}, errors.New("invalid JWT")
	}
	var c compact
	for i, dst := range []*map[string]any{&c.header, &c.claims} {
		raw, err := base64.RawURLEncoding.DecodeString(segs[i])
		if err != nil {
			return compact{}, err
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return compact{}, err
		}
	}
	sig, err := base64.RawURLEncoding.DecodeString(segs[2])
	if err != nil {
		return compact{}, err
	}
	c.sig = sig
	c.signing = []byte(segs[0] + "." + segs[1])
	return c, nil
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		// token format: org:role
		parts := strings.Split(token, ":")
		if len(parts) < 2 {
			return Principal{}, errors.New("invalid dev token; expected org:role")
		}
		return Principal{Org: parts[0], Role: parts[1]}, nil
	}
	c, err := parseCompact(token)
	if err != nil {
		return Principal{}, err
	}
	alg, _ := c.header["alg"].(string)
	switch v.Mode {
	case "hmac":
		if alg != "HS256" {
			return Principal{}, errors.New("unsupported alg for hmac")
		}
		mac := hmac.New(sha256.New, v.HMACSecret)
		mac.Write(c.signing)
		if !hmac.Equal(mac.Sum(nil), c.sig) {
			return Principal{}, errors.New("bad signature")
		}
	case "jwks":
		if alg != "RS256" {
			return Principal{}, errors.New("unsupported alg for jwks")
		}
		kid, _ := c.header["kid"].(string)
		pub, err := v.publicKey(kid)
		if err != nil {
			return Principal{}, err
		}
		h := sha256.Sum256(c.signing)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], c.sig); err != nil {
			return Principal{}, errors.New("bad signature")
		}
	default:
		return Principal{}, errors.New("unsupported auth mode")
	}
	return v.principalFromClaims(c.claims)
}

func (v *Verifier) principalFromClaims(claims map[string]any) (Principal, error) {
	org, _ := claims[v.OrgClaim].(string)
	if org == "" {
		return Principal{}, errors.New("missing org claim")
	}
	role, _ := claims[v.RoleClaim].(string)
	if role == "" {
		role = "viewer"
	}
	sub, _ := claims[v.SubjectClaim].(string)
	return Principal{Org: org, Role: strings.ToLower(role), Subject: sub}, nil
}

// publicKey resolves a JWKS key id against the cached key set, refetching
// when the cache is empty or stale.
func (v *Verifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cached := v.keys
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if len(cached.Keys) == 0 || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		cached = v.keys
		v.mu.RUnlock()
	}
	for _, k := range cached.Keys {
		if k.Kid != kid || !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		// exponent bytes are big-endian, typically 0x010001
		e := 0
		for _, b := range eBytes {
			e = (e << 8) | int(b)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
	}
	return nil, errors.New("kid not found in JWKS")
}

func (v *Verifier) fetchJWKS() error {
	if v.JWKSURL == "" {
		return errors.New("AUTH_JWKS_URL not set")
	}
	resp, err := v.http.Get(v.JWKSURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	var ks keySet
	if err := json.NewDecoder(resp.Body).Decode(&ks); err != nil {
		return err
	}
	v.mu.Lock()
	v.keys = ks
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
