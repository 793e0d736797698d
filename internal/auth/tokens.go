package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	idTokenTTL     = time.Hour
	customTokenTTL = time.Hour
	tokenIssuer    = "https://securetoken.google.com/"
)

// Signer mints and checks HS256 tokens.
type Signer struct {
	key []byte
}

// NewSigner uses key, or a random key when key is empty.
func NewSigner(key []byte) *Signer {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("auth: random signing key: %v", err))
		}
	}
	return &Signer{key: key}
}

func (s *Signer) sign(claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// IDToken mints an ID token for u in app.
func (s *Signer) IDToken(app string, u *User, provider string, authTime, now time.Time) (TokenResult, error) {
	exp := now.Add(idTokenTTL)
	claims := jwt.MapClaims{}
	for k, v := range u.CustomClaims {
		claims[k] = v
	}
	claims["iss"] = tokenIssuer + app
	claims["aud"] = app
	claims["sub"] = u.UID
	claims["user_id"] = u.UID
	claims["iat"] = now.Unix()
	claims["exp"] = exp.Unix()
	claims["auth_time"] = authTime.Unix()
	if u.Email != "" {
		claims["email"] = u.Email
		claims["email_verified"] = u.EmailVerified
	}
	claims["firebase"] = map[string]any{"sign_in_provider": provider}
	tok, err := s.sign(claims)
	if err != nil {
		return TokenResult{}, fmt.Errorf("sign id token: %w", err)
	}
	return TokenResult{
		Token:          tok,
		Claims:         map[string]any(claims),
		AuthTime:       time.Unix(authTime.Unix(), 0),
		IssuedAt:       time.Unix(now.Unix(), 0),
		Expiration:     time.Unix(exp.Unix(), 0),
		SignInProvider: provider,
	}, nil
}

// CustomToken mints a token accepted by signInWithCustomToken.
func (s *Signer) CustomToken(uid string, developerClaims map[string]any, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"uid": uid,
		"iat": now.Unix(),
		"exp": now.Add(customTokenTTL).Unix(),
	}
	if len(developerClaims) > 0 {
		claims["claims"] = developerClaims
	}
	return s.sign(claims)
}

// ParseCustomToken verifies a custom token and returns its uid and
// developer claims.
func (s *Signer) ParseCustomToken(token string, now time.Time) (string, map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return "", nil, ErrInvalidCustomToken
	}
	uid, _ := claims["uid"].(string)
	if uid == "" {
		return "", nil, ErrInvalidCustomToken
	}
	dev, _ := claims["claims"].(map[string]any)
	return uid, dev, nil
}

var errNoIdentity = errors.New("credential carries no identity")

// federatedIdentity reads the provider uid and profile from a federated
// credential. ID tokens are decoded without verification, as an emulator
// would; bare access tokens are identified by their digest.
func federatedIdentity(c Credential) (string, map[string]any, error) {
	if c.IDToken != "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(c.IDToken, claims); err != nil {
			return "", nil, ErrInvalidCredential
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			return "", nil, ErrInvalidCredential
		}
		return sub, map[string]any(claims), nil
	}
	if c.AccessToken != "" {
		sum := sha256.Sum256([]byte(c.ProviderID + "\x00" + c.AccessToken))
		return hex.EncodeToString(sum[:10]), map[string]any{}, nil
	}
	return "", nil, errNoIdentity
}
