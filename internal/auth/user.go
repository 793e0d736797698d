package auth

import (
	"time"
)

// Provider ids.
const (
	ProviderPassword = "password"
	MethodEmailLink  = "emailLink"
	ProviderAnon     = "anonymous"
	ProviderCustom   = "custom"
)

// ProviderInfo links a user to one identity provider.
type ProviderInfo struct {
	ProviderID  string
	UID         string
	Email       string
	DisplayName string
	PhoneNumber string
	PhotoURL    string
}

// User is an account record. Values handed out are copies.
type User struct {
	UID           string
	Email         string
	DisplayName   string
	PhotoURL      string
	PhoneNumber   string
	EmailVerified bool
	Anonymous     bool
	PasswordHash  []byte
	// LinkSignIn is set once the user signed in with an email link.
	LinkSignIn   bool
	Providers    []ProviderInfo
	CustomClaims map[string]any
	Created      time.Time
	LastSignIn   time.Time
}

func (u *User) clone() *User {
	c := *u
	c.Providers = append([]ProviderInfo(nil), u.Providers...)
	c.PasswordHash = append([]byte(nil), u.PasswordHash...)
	if u.CustomClaims != nil {
		c.CustomClaims = make(map[string]any, len(u.CustomClaims))
		for k, v := range u.CustomClaims {
			c.CustomClaims[k] = v
		}
	}
	return &c
}

func (u *User) provider(id string) (int, bool) {
	for i, p := range u.Providers {
		if p.ProviderID == id {
			return i, true
		}
	}
	return -1, false
}

// Credential is a sign-in credential as sent by clients.
type Credential struct {
	ProviderID  string
	Secret      string
	IDToken     string
	AccessToken string
	RawNonce    string
	Email       string
	EmailLink   string
}

// SignInMethod is the method reported for the credential.
func (c Credential) SignInMethod() string {
	if c.ProviderID == ProviderPassword && c.EmailLink != "" {
		return MethodEmailLink
	}
	return c.ProviderID
}

// Result is the outcome of a sign-in, link or unlink.
type Result struct {
	User       *User
	IsNewUser  bool
	ProviderID string
	Profile    map[string]any
	Username   string
	// Credential is nil for anonymous and custom token sign-ins.
	Credential *Credential
}

// TokenResult is a decoded ID token.
type TokenResult struct {
	Token          string
	Claims         map[string]any
	AuthTime       time.Time
	IssuedAt       time.Time
	Expiration     time.Time
	SignInProvider string
}

// Action code operations.
const (
	OpPasswordReset        = 0
	OpVerifyEmail          = 1
	OpRecoverEmail         = 2
	OpSignIn               = 4
	OpVerifyAndChangeEmail = 5
)

// ActionCodeInfo describes what an out-of-band code does.
type ActionCodeInfo struct {
	Operation     int
	Email         string
	PreviousEmail string
}

// ActionCodeSettings shape the links sent with action codes.
type ActionCodeSettings struct {
	URL             string
	HandleCodeInApp bool
}

// Message is an out-of-band email the local backend would have sent.
type Message struct {
	Operation int
	Email     string
	Code      string
	Link      string
	Language  string
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func userMap(u *User) map[string]any {
	if u == nil {
		return nil
	}
	providers := make([]any, 0, len(u.Providers))
	for _, p := range u.Providers {
		providers = append(providers, map[string]any{
			"displayName": optString(p.DisplayName),
			"email":       optString(p.Email),
			"phoneNumber": optString(p.PhoneNumber),
			"providerId":  p.ProviderID,
			"uid":         p.UID,
		})
	}
	return map[string]any{
		"displayName":   optString(u.DisplayName),
		"email":         optString(u.Email),
		"emailVerified": u.EmailVerified,
		"isAnonymous":   u.Anonymous,
		"metadata": map[string]any{
			"creationTime":   millis(u.Created),
			"lastSignInTime": millis(u.LastSignIn),
		},
		"phoneNumber":  optString(u.PhoneNumber),
		"photoURL":     optString(u.PhotoURL),
		"providerData": providers,
		"refreshToken": "",
		"uid":          u.UID,
	}
}

func resultMap(r Result) map[string]any {
	profile := r.Profile
	if profile == nil {
		profile = map[string]any{}
	}
	var cred any
	if r.Credential != nil {
		cred = map[string]any{"providerId": r.Credential.ProviderID, "signInMethod": r.Credential.SignInMethod()}
	}
	return map[string]any{
		"additionalUserInfo": map[string]any{
			"isNewUser":  r.IsNewUser,
			"profile":    profile,
			"providerId": optString(r.ProviderID),
			"username":   optString(r.Username),
		},
		"authCredential": cred,
		"user":           userMap(r.User),
	}
}

func tokenMap(t TokenResult) map[string]any {
	return map[string]any{
		"authTimestamp":       t.AuthTime.UnixMilli(),
		"claims":              t.Claims,
		"expirationTimestamp": t.Expiration.UnixMilli(),
		"issuedAtTimestamp":   t.IssuedAt.UnixMilli(),
		"signInProvider":      optString(t.SignInProvider),
		"signInSecondFactor":  nil,
		"token":               t.Token,
	}
}

func actionCodeMap(info ActionCodeInfo) map[string]any {
	data := map[string]any{"email": optString(info.Email), "previousEmail": nil, "multiFactorInfo": nil}
	if info.Operation == OpRecoverEmail || info.Operation == OpVerifyAndChangeEmail {
		data["previousEmail"] = optString(info.PreviousEmail)
	}
	return map[string]any{"operation": int64(info.Operation), "data": data}
}
