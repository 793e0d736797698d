// Package auth is a local authentication backend and the firebase_auth
// channel served on top of it.
package auth

import (
	"context"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/gaspardpetit/firebridge/core/logx"
)

const (
	minPasswordLen = 6
	actionCodeTTL  = time.Hour
	// DefaultLanguage is used when an app resets to its own language.
	DefaultLanguage = "en"
)

// EventKind separates sign-in state changes from token changes.
type EventKind int

const (
	AuthStateChanged EventKind = iota
	IDTokenChanged
)

// Event is delivered to subscribers. User is nil when signed out.
type Event struct {
	Kind EventKind
	App  string
	User *User
}

type actionCode struct {
	info    ActionCodeInfo
	uid     string
	expires time.Time
}

type appState struct {
	users      map[string]*User
	byEmail    map[string]string
	byProvider map[string]string

	current  string
	provider string
	authTime time.Time
	token    TokenResult
	language string

	codes  map[string]actionCode
	outbox []Message
}

func newAppState() *appState {
	return &appState{
		users:      map[string]*User{},
		byEmail:    map[string]string{},
		byProvider: map[string]string{},
		codes:      map[string]actionCode{},
	}
}

// Service keeps accounts and the signed-in user for every app in memory.
type Service struct {
	signer *Signer
	now    func() time.Time
	cost   int
	log    zerolog.Logger

	mu   sync.Mutex
	apps map[string]*appState

	emitMu  sync.Mutex
	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Event)
}

func NewService(signer *Signer) *Service {
	return &Service{
		signer: signer,
		now:    time.Now,
		cost:   bcrypt.DefaultCost,
		log:    logx.Component("auth"),
		apps:   map[string]*appState{},
		subs:   map[int]func(Event){},
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Signer returns the token signer, for minting custom tokens.
func (s *Service) Signer() *Signer { return s.signer }

func (s *Service) app(name string) *appState {
	a := s.apps[name]
	if a == nil {
		a = newAppState()
		s.apps[name] = a
	}
	return a
}

// Subscribe calls fn for every event of every app until stop is called.
func (s *Service) Subscribe(fn func(Event)) (stop func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Service) emit(app string, user *User, kinds ...EventKind) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, kind := range kinds {
		for _, fn := range fns {
			var u *User
			if user != nil {
				u = user.clone()
			}
			fn(Event{Kind: kind, App: app, User: u})
		}
	}
}

// CurrentUser returns a copy of the signed-in user, or nil.
func (s *Service) CurrentUser(app string) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(s.app(app))
}

func (s *Service) currentLocked(a *appState) *User {
	if u := a.users[a.current]; u != nil {
		return u.clone()
	}
	return nil
}

// LanguageCode is empty until set.
func (s *Service) LanguageCode(app string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app(app).language
}

// SetLanguageCode sets the language used for messages. An empty code resets
// to DefaultLanguage.
func (s *Service) SetLanguageCode(app, code string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == "" {
		code = DefaultLanguage
	}
	s.app(app).language = code
	return code
}

// Outbox returns the messages sent for app.
func (s *Service) Outbox(app string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.app(app).outbox...)
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// signInLocked makes u the current user and mints a fresh token. It reports
// whether the signed-in identity changed.
func (s *Service) signInLocked(app string, a *appState, u *User, provider string) (bool, error) {
	now := s.now()
	changed := a.current != u.UID
	u.LastSignIn = now
	a.current, a.provider, a.authTime = u.UID, provider, now
	tok, err := s.signer.IDToken(app, u, provider, now, now)
	if err != nil {
		return false, err
	}
	a.token = tok
	return changed, nil
}

func (s *Service) finishSignIn(app string, r Result, changed bool) Result {
	if changed {
		s.emit(app, r.User, AuthStateChanged, IDTokenChanged)
	} else {
		s.emit(app, r.User, IDTokenChanged)
	}
	return r
}

func (s *Service) newUserLocked(a *appState) *User {
	now := s.now()
	u := &User{UID: strings.ReplaceAll(uuid.NewString(), "-", "")[:28], Created: now}
	a.users[u.UID] = u
	return u
}

func (s *Service) hash(password string) ([]byte, error) {
	if len(password) < minPasswordLen {
		return nil, ErrWeakPassword
	}
	return bcrypt.GenerateFromPassword([]byte(password), s.cost)
}

// CreateUser registers an email and password account and signs it in.
func (s *Service) CreateUser(ctx context.Context, app, email, password string) (Result, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return Result{}, ErrInvalidEmail
	}
	hash, err := s.hash(password)
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	a := s.app(app)
	if _, taken := a.byEmail[email]; taken {
		s.mu.Unlock()
		return Result{}, ErrEmailAlreadyInUse.with("email", email)
	}
	u := s.newUserLocked(a)
	u.Email, u.PasswordHash = email, hash
	u.Providers = []ProviderInfo{{ProviderID: ProviderPassword, UID: email, Email: email}}
	a.byEmail[email] = u.UID
	changed, err := s.signInLocked(app, a, u, ProviderPassword)
	r := Result{User: u.clone(), IsNewUser: true, ProviderID: ProviderPassword}
	s.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	s.log.Info().Str("app", app).Str("uid", u.UID).Msg("user created")
	return s.finishSignIn(app, r, changed), nil
}

// SignInWithPassword checks an email and password.
func (s *Service) SignInWithPassword(ctx context.Context, app, email, password string) (Result, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return Result{}, ErrInvalidEmail
	}
	s.mu.Lock()
	a := s.app(app)
	u := a.users[a.byEmail[email]]
	if u == nil {
		s.mu.Unlock()
		return Result{}, ErrUserNotFound
	}
	if len(u.PasswordHash) == 0 || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		s.mu.Unlock()
		return Result{}, ErrWrongPassword
	}
	changed, err := s.signInLocked(app, a, u, ProviderPassword)
	r := Result{User: u.clone(), ProviderID: ProviderPassword}
	s.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	return s.finishSignIn(app, r, changed), nil
}

// SignInAnonymously returns the current anonymous user or creates one.
func (s *Service) SignInAnonymously(ctx context.Context, app string) (Result, error) {
	s.mu.Lock()
	a := s.app(app)
	if u := a.users[a.current]; u != nil && u.Anonymous {
		r := Result{User: u.clone()}
		s.mu.Unlock()
		return r, nil
	}
	u := s.newUserLocked(a)
	u.Anonymous = true
	changed, err := s.signInLocked(app, a, u, ProviderAnon)
	r := Result{User: u.clone(), IsNewUser: true}
	s.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	return s.finishSignIn(app, r, changed), nil
}

// SignInWithCustomToken accepts a token minted by Signer.CustomToken.
func (s *Service) SignInWithCustomToken(ctx context.Context, app, token string) (Result, error) {
	uid, claims, err := s.signer.ParseCustomToken(token, s.now())
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	a := s.app(app)
	u := a.users[uid]
	isNew := u == nil
	if isNew {
		u = &User{UID: uid, Created: s.now()}
		a.users[uid] = u
	}
	if claims != nil {
		u.CustomClaims = claims
	}
	changed, err := s.signInLocked(app, a, u, ProviderCustom)
	r := Result{User: u.clone(), IsNewUser: isNew}
	s.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	return s.finishSignIn(app, r, changed), nil
}

// SignInWithCredential signs in with a password, email link or federated
// credential.
func (s *Service) SignInWithCredential(ctx context.Context, app string, c Credential) (Result, error) {
	switch {
	case c.ProviderID == ProviderPassword && c.EmailLink != "":
		return s.SignInWithEmailLink(ctx, app, c.Email, c.EmailLink)
	case c.ProviderID == ProviderPassword:
		r, err := s.SignInWithPassword(ctx, app, c.Email, c.Secret)
		if err == nil {
			r.Credential = &c
		}
		return r, err
	}
	providerUID, profile, err := federatedIdentity(c)
	if err != nil {
		return Result{}, ErrInvalidCredential
	}
	email, _ := profile["email"].(string)
	name, _ := profile["name"].(string)
	photo, _ := profile["picture"].(string)
	key := c.ProviderID + "|" + providerUID

	s.mu.Lock()
	a := s.app(app)
	u := a.users[a.byProvider[key]]
	isNew := u == nil
	if isNew {
		email = normalizeEmail(email)
		if uid, taken := a.byEmail[email]; email != "" && taken && a.users[uid] != nil {
			s.mu.Unlock()
			return Result{}, ErrCredentialAlreadyInUse.with("email", email)
		}
		u = s.newUserLocked(a)
		u.Email, u.DisplayName, u.PhotoURL = email, name, photo
		u.EmailVerified = email != ""
		u.Providers = []ProviderInfo{{ProviderID: c.ProviderID, UID: providerUID, Email: email, DisplayName: name, PhotoURL: photo}}
		a.byProvider[key] = u.UID
		if email != "" {
			a.byEmail[email] = u.UID
		}
	}
	changed, err := s.signInLocked(app, a, u, c.ProviderID)
	r := Result{User: u.clone(), IsNewUser: isNew, ProviderID: c.ProviderID, Profile: profile, Credential: &c}
	s.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	return s.finishSignIn(app, r, changed), nil
}

// codeFromLink extracts the oobCode parameter of an email link.
func codeFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("oobCode")
}

// SignInWithEmailLink consumes a sign-in link sent to email. Unknown emails
// get a new, verified account.
func (s *Service) SignInWithEmailLink(ctx context.Context, app, email, link string) (Result, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return Result{}, ErrInvalidEmail
	}
	s.mu.Lock()
	a := s.app(app)
	code, err := s.takeCodeLocked(a, codeFromLink(link), OpSignIn)
	if err != nil {
		s.mu.Unlock()
		return Result{}, err
	}
	if code.info.Email != email {
		s.mu.Unlock()
		return Result{}, ErrInvalidActionCode
	}
	u := a.users[a.byEmail[email]]
	isNew := u == nil
	if isNew {
		u = s.newUserLocked(a)
		u.Email = email
		u.Providers = []ProviderInfo{{ProviderID: ProviderPassword, UID: email, Email: email}}
		a.byEmail[email] = u.UID
	}
	u.EmailVerified, u.LinkSignIn = true, true
	changed, err := s.signInLocked(app, a, u, ProviderPassword)
	cred := Credential{ProviderID: ProviderPassword, Email: email, EmailLink: link}
	r := Result{User: u.clone(), IsNewUser: isNew, ProviderID: ProviderPassword, Credential: &cred}
	s.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	return s.finishSignIn(app, r, changed), nil
}

// SignOut clears the current user.
func (s *Service) SignOut(ctx context.Context, app string) {
	s.mu.Lock()
	a := s.app(app)
	was := a.current
	a.current, a.provider, a.token = "", "", TokenResult{}
	s.mu.Unlock()
	if was != "" {
		s.emit(app, nil, AuthStateChanged, IDTokenChanged)
	}
}

// SignInMethods lists how email can sign in.
func (s *Service) SignInMethods(ctx context.Context, app, email string) ([]string, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.app(app)
	u := a.users[a.byEmail[email]]
	methods := []string{}
	if u == nil {
		return methods, nil
	}
	if len(u.PasswordHash) > 0 {
		methods = append(methods, ProviderPassword)
	}
	if u.LinkSignIn {
		methods = append(methods, MethodEmailLink)
	}
	for _, p := range u.Providers {
		if p.ProviderID != ProviderPassword {
			methods = append(methods, p.ProviderID)
		}
	}
	return methods, nil
}

// issueCodeLocked creates an action code and records the message carrying it.
func (s *Service) issueCodeLocked(a *appState, info ActionCodeInfo, uid string, settings *ActionCodeSettings) Message {
	code := uuid.NewString()
	a.codes[code] = actionCode{info: info, uid: uid, expires: s.now().Add(actionCodeTTL)}
	base := "https://localhost/__/auth/action"
	if settings != nil && settings.URL != "" {
		base = settings.URL
	}
	link := base
	if u, err := url.Parse(base); err == nil {
		q := u.Query()
		q.Set("oobCode", code)
		q.Set("mode", modeName(info.Operation))
		u.RawQuery = q.Encode()
		link = u.String()
	}
	m := Message{Operation: info.Operation, Email: info.Email, Code: code, Link: link, Language: a.language}
	a.outbox = append(a.outbox, m)
	return m
}

func modeName(op int) string {
	switch op {
	case OpPasswordReset:
		return "resetPassword"
	case OpVerifyEmail:
		return "verifyEmail"
	case OpRecoverEmail:
		return "recoverEmail"
	case OpSignIn:
		return "signIn"
	case OpVerifyAndChangeEmail:
		return "verifyAndChangeEmail"
	}
	return "action"
}

func (s *Service) lookupCodeLocked(a *appState, code string) (actionCode, error) {
	c, ok := a.codes[code]
	if !ok {
		return actionCode{}, ErrInvalidActionCode
	}
	if s.now().After(c.expires) {
		delete(a.codes, code)
		return actionCode{}, ErrExpiredActionCode
	}
	return c, nil
}

// takeCodeLocked consumes code, which must be for one of ops.
func (s *Service) takeCodeLocked(a *appState, code string, ops ...int) (actionCode, error) {
	c, err := s.lookupCodeLocked(a, code)
	if err != nil {
		return c, err
	}
	for _, op := range ops {
		if c.info.Operation == op {
			delete(a.codes, code)
			return c, nil
		}
	}
	return actionCode{}, ErrInvalidActionCode
}

func (s *Service) sent(app string, m Message) {
	s.log.Info().Str("app", app).Str("email", m.Email).Str("mode", modeName(m.Operation)).Str("link", m.Link).Msg("action email queued")
}

// SendPasswordReset issues a password reset code for a registered email.
func (s *Service) SendPasswordReset(ctx context.Context, app, email string, settings *ActionCodeSettings) error {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return ErrInvalidEmail
	}
	s.mu.Lock()
	a := s.app(app)
	uid, ok := a.byEmail[email]
	if !ok {
		s.mu.Unlock()
		return ErrUserNotFound
	}
	m := s.issueCodeLocked(a, ActionCodeInfo{Operation: OpPasswordReset, Email: email}, uid, settings)
	s.mu.Unlock()
	s.sent(app, m)
	return nil
}

// SendSignInLink issues an email sign-in link.
func (s *Service) SendSignInLink(ctx context.Context, app, email string, settings *ActionCodeSettings) error {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return ErrInvalidEmail
	}
	s.mu.Lock()
	a := s.app(app)
	m := s.issueCodeLocked(a, ActionCodeInfo{Operation: OpSignIn, Email: email}, a.byEmail[email], settings)
	s.mu.Unlock()
	s.sent(app, m)
	return nil
}

// CheckActionCode describes code without consuming it.
func (s *Service) CheckActionCode(ctx context.Context, app, code string) (ActionCodeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupCodeLocked(s.app(app), code)
	return c.info, err
}

// VerifyPasswordResetCode returns the email a reset code is for.
func (s *Service) VerifyPasswordResetCode(ctx context.Context, app, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookupCodeLocked(s.app(app), code)
	if err != nil {
		return "", err
	}
	if c.info.Operation != OpPasswordReset {
		return "", ErrInvalidActionCode
	}
	return c.info.Email, nil
}

// ConfirmPasswordReset sets a new password using a reset code.
func (s *Service) ConfirmPasswordReset(ctx context.Context, app, code, password string) error {
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.app(app)
	c, err := s.takeCodeLocked(a, code, OpPasswordReset)
	if err != nil {
		return err
	}
	u := a.users[c.uid]
	if u == nil {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	if _, ok := u.provider(ProviderPassword); !ok {
		u.Providers = append(u.Providers, ProviderInfo{ProviderID: ProviderPassword, UID: u.Email, Email: u.Email})
	}
	return nil
}

// ApplyActionCode applies an email verification, recovery or change code.
func (s *Service) ApplyActionCode(ctx context.Context, app, code string) error {
	s.mu.Lock()
	a := s.app(app)
	c, err := s.takeCodeLocked(a, code, OpVerifyEmail, OpRecoverEmail, OpVerifyAndChangeEmail)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	u := a.users[c.uid]
	if u == nil {
		s.mu.Unlock()
		return ErrUserNotFound
	}
	switch c.info.Operation {
	case OpVerifyEmail:
		u.EmailVerified = true
	case OpVerifyAndChangeEmail:
		if other, taken := a.byEmail[c.info.Email]; taken && other != u.UID {
			s.mu.Unlock()
			return ErrEmailAlreadyInUse.with("email", c.info.Email)
		}
		s.setEmailLocked(a, u, c.info.Email)
		u.EmailVerified = true
	case OpRecoverEmail:
		if other, taken := a.byEmail[c.info.Email]; taken && other != u.UID {
			s.mu.Unlock()
			return ErrEmailAlreadyInUse.with("email", c.info.Email)
		}
		s.setEmailLocked(a, u, c.info.Email)
	}
	current := a.current == u.UID
	snapshot := u.clone()
	s.mu.Unlock()
	if current {
		s.emit(app, snapshot, IDTokenChanged)
	}
	return nil
}

func (s *Service) setEmailLocked(a *appState, u *User, email string) {
	delete(a.byEmail, u.Email)
	u.Email = email
	a.byEmail[email] = u.UID
	if i, ok := u.provider(ProviderPassword); ok {
		u.Providers[i].UID, u.Providers[i].Email = email, email
	}
}

// currentOrErr returns the live current user record. Callers hold s.mu.
func (s *Service) currentOrErr(a *appState) (*User, error) {
	u := a.users[a.current]
	if u == nil {
		return nil, ErrNoCurrentUser
	}
	return u, nil
}

// DeleteUser removes the current user and signs out.
func (s *Service) DeleteUser(ctx context.Context, app string) error {
	s.mu.Lock()
	a := s.app(app)
	u, err := s.currentOrErr(a)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(a.users, u.UID)
	if u.Email != "" && a.byEmail[u.Email] == u.UID {
		delete(a.byEmail, u.Email)
	}
	for _, p := range u.Providers {
		delete(a.byProvider, p.ProviderID+"|"+p.UID)
	}
	a.current, a.provider, a.token = "", "", TokenResult{}
	s.mu.Unlock()
	s.emit(app, nil, AuthStateChanged, IDTokenChanged)
	return nil
}

// IDToken returns the current user's token, minting a new one when forced
// or expired.
func (s *Service) IDToken(ctx context.Context, app string, forceRefresh bool) (TokenResult, error) {
	s.mu.Lock()
	a := s.app(app)
	u, err := s.currentOrErr(a)
	if err != nil {
		s.mu.Unlock()
		return TokenResult{}, err
	}
	now := s.now()
	if !forceRefresh && a.token.Token != "" && now.Before(a.token.Expiration) {
		tok := a.token
		s.mu.Unlock()
		return tok, nil
	}
	tok, err := s.signer.IDToken(app, u, a.provider, a.authTime, now)
	if err != nil {
		s.mu.Unlock()
		return TokenResult{}, err
	}
	a.token = tok
	snapshot := u.clone()
	s.mu.Unlock()
	s.emit(app, snapshot, IDTokenChanged)
	return tok, nil
}

// Link adds a credential's provider to the current user.
func (s *Service) Link(ctx context.Context, app string, c Credential) (Result, error) {
	var providerUID, email string
	var profile map[string]any
	var hash []byte
	switch c.ProviderID {
	case ProviderPassword:
		email = normalizeEmail(c.Email)
		if !validEmail(email) {
			return Result{}, ErrInvalidEmail
		}
		var err error
		if c.EmailLink == "" {
			if hash, err = s.hash(c.Secret); err != nil {
				return Result{}, err
			}
		}
		providerUID = email
	default:
		var err error
		if providerUID, profile, err = federatedIdentity(c); err != nil {
			return Result{}, ErrInvalidCredential
		}
		email, _ = profile["email"].(string)
	}

	s.mu.Lock()
	a := s.app(app)
	u, err := s.currentOrErr(a)
	if err != nil {
		s.mu.Unlock()
		return Result{}, err
	}
	if _, linked := u.provider(c.ProviderID); linked {
		s.mu.Unlock()
		return Result{}, ErrProviderAlreadyLinked
	}
	key := c.ProviderID + "|" + providerUID
	if c.ProviderID == ProviderPassword {
		if other, taken := a.byEmail[email]; taken && other != u.UID {
			s.mu.Unlock()
			return Result{}, ErrEmailAlreadyInUse.with("email", email)
		}
		if c.EmailLink != "" {
			if _, err := s.takeCodeLocked(a, codeFromLink(c.EmailLink), OpSignIn); err != nil {
				s.mu.Unlock()
				return Result{}, err
			}
			u.LinkSignIn, u.EmailVerified = true, true
		}
		u.PasswordHash = hash
		s.setEmailLocked(a, u, email)
	} else {
		if other, taken := a.byProvider[key]; taken && other != u.UID {
			s.mu.Unlock()
			return Result{}, ErrCredentialAlreadyInUse
		}
		a.byProvider[key] = u.UID
	}
	u.Providers = append(u.Providers, ProviderInfo{ProviderID: c.ProviderID, UID: providerUID, Email: email})
	u.Anonymous = false
	r := Result{User: u.clone(), ProviderID: c.ProviderID, Profile: profile, Credential: &c}
	s.mu.Unlock()
	s.emit(app, r.User, IDTokenChanged)
	return r, nil
}

// Reauthenticate checks that c identifies the current user.
func (s *Service) Reauthenticate(ctx context.Context, app string, c Credential) (Result, error) {
	s.mu.Lock()
	a := s.app(app)
	u, err := s.currentOrErr(a)
	if err != nil {
		s.mu.Unlock()
		return Result{}, err
	}
	uid := u.UID
	s.mu.Unlock()

	var r Result
	switch {
	case c.ProviderID == ProviderPassword && c.EmailLink == "":
		s.mu.Lock()
		u := a.users[a.byEmail[normalizeEmail(c.Email)]]
		ok := u != nil && len(u.PasswordHash) > 0 && bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(c.Secret)) == nil
		s.mu.Unlock()
		if u == nil {
			return Result{}, ErrUserMismatch
		}
		if !ok {
			return Result{}, ErrWrongPassword
		}
		if u.UID != uid {
			return Result{}, ErrUserMismatch
		}
		r, err = s.SignInWithPassword(ctx, app, c.Email, c.Secret)
		if err == nil {
			r.Credential = &c
		}
		return r, err
	case c.ProviderID == ProviderPassword:
		if email := normalizeEmail(c.Email); s.uidByEmail(app, email) != uid {
			return Result{}, ErrUserMismatch
		}
		return s.SignInWithEmailLink(ctx, app, c.Email, c.EmailLink)
	}
	providerUID, _, err := federatedIdentity(c)
	if err != nil {
		return Result{}, ErrInvalidCredential
	}
	s.mu.Lock()
	owner := a.byProvider[c.ProviderID+"|"+providerUID]
	s.mu.Unlock()
	if owner != uid {
		return Result{}, ErrUserMismatch
	}
	return s.SignInWithCredential(ctx, app, c)
}

func (s *Service) uidByEmail(app, email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app(app).byEmail[email]
}

// Reload fails once the current user was deleted elsewhere.
func (s *Service) Reload(ctx context.Context, app string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.app(app)
	if a.current == "" {
		return ErrNoCurrentUser
	}
	if a.users[a.current] == nil {
		return ErrUserNotFound
	}
	return nil
}

// SendEmailVerification issues a verification code for the current user.
func (s *Service) SendEmailVerification(ctx context.Context, app string, settings *ActionCodeSettings) error {
	s.mu.Lock()
	a := s.app(app)
	u, err := s.currentOrErr(a)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if u.Email == "" {
		s.mu.Unlock()
		return ErrInvalidEmail
	}
	m := s.issueCodeLocked(a, ActionCodeInfo{Operation: OpVerifyEmail, Email: u.Email}, u.UID, settings)
	s.mu.Unlock()
	s.sent(app, m)
	return nil
}

// VerifyBeforeUpdateEmail sends a code that changes the email once applied.
func (s *Service) VerifyBeforeUpdateEmail(ctx context.Context, app, newEmail string, settings *ActionCodeSettings) error {
	newEmail = normalizeEmail(newEmail)
	if !validEmail(newEmail) {
		return ErrInvalidEmail
	}
	s.mu.Lock()
	a := s.app(app)
	u, err := s.currentOrErr(a)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	m := s.issueCodeLocked(a, ActionCodeInfo{Operation: OpVerifyAndChangeEmail, Email: newEmail, PreviousEmail: u.Email}, u.UID, settings)
	s.mu.Unlock()
	s.sent(app, m)
	return nil
}

// Unlink removes a provider from the current user.
func (s *Service) Unlink(ctx context.Context, app, providerID string) (Result, error) {
	s.mu.Lock()
	a := s.app(app)
	u, err := s.currentOrErr(a)
	if err != nil {
		s.mu.Unlock()
		return Result{}, err
	}
	i, ok := u.provider(providerID)
	if !ok {
		s.mu.Unlock()
		return Result{}, ErrNoSuchProvider
	}
	p := u.Providers[i]
	u.Providers = append(u.Providers[:i], u.Providers[i+1:]...)
	if providerID == ProviderPassword {
		u.PasswordHash, u.LinkSignIn = nil, false
	} else {
		delete(a.byProvider, p.ProviderID+"|"+p.UID)
	}
	r := Result{User: u.clone()}
	s.mu.Unlock()
	s.emit(app, r.User, IDTokenChanged)
	return r, nil
}

// UpdateEmail changes the current user's email and resets verification. A
// recovery code for the previous email is queued.
func (s *Service) UpdateEmail(ctx context.Context, app, newEmail string) error {
	newEmail = normalizeEmail(newEmail)
	if !validEmail(newEmail) {
		return ErrInvalidEmail
	}
	s.mu.Lock()
	a := s.app(app)
	u, err := s.currentOrErr(a)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if other, taken := a.byEmail[newEmail]; taken && other != u.UID {
		s.mu.Unlock()
		return ErrEmailAlreadyInUse.with("email", newEmail)
	}
	previous := u.Email
	s.setEmailLocked(a, u, newEmail)
	u.EmailVerified = false
	var m *Message
	if previous != "" {
		msg := s.issueCodeLocked(a, ActionCodeInfo{Operation: OpRecoverEmail, Email: previous, PreviousEmail: newEmail}, u.UID, nil)
		m = &msg
	}
	snapshot := u.clone()
	s.mu.Unlock()
	if m != nil {
		s.sent(app, *m)
	}
	s.emit(app, snapshot, IDTokenChanged)
	return nil
}

// Profile carries optional profile changes; nil fields are left alone.
type Profile struct {
	DisplayName *string
	PhotoURL    *string
}

// UpdateProfile changes the current user's display name or photo.
func (s *Service) UpdateProfile(ctx context.Context, app string, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.currentOrErr(s.app(app))
	if err != nil {
		return err
	}
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.PhotoURL != nil {
		u.PhotoURL = *p.PhotoURL
	}
	return nil
}
