package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/firebridge/core/logx"
	"github.com/gaspardpetit/firebridge/internal/bridge"
)

const (
	Channel   = "plugins.flutter.io/firebase_auth"
	ErrorCode = "firebase_auth"

	defaultApp = "[DEFAULT]"
)

// Plugin serves the firebase_auth channel.
type Plugin struct {
	svc *Service
	log zerolog.Logger
}

func New(svc *Service) *Plugin { return &Plugin{svc: svc, log: logx.Component("auth")} }

func (p *Plugin) Channel() string { return Channel }

func (p *Plugin) ErrorCode() string { return ErrorCode }

// PluginConstants reports the app's language and signed-in user.
func (p *Plugin) PluginConstants(_ context.Context, app string) (map[string]any, error) {
	out := map[string]any{}
	if lang := p.svc.LanguageCode(app); lang != "" {
		out["APP_LANGUAGE_CODE"] = lang
	}
	if u := p.svc.CurrentUser(app); u != nil {
		out["APP_CURRENT_USER"] = userMap(u)
	}
	return out, nil
}

func mapError(err error) *bridge.Error {
	var ae *Error
	if errors.As(err, &ae) {
		data := ae.AdditionalData
		if data == nil {
			data = map[string]any{}
		}
		return &bridge.Error{Code: bridge.Code(ae.WireCode()), Message: ae.Message, Details: map[string]any{"additionalData": data}}
	}
	return bridge.FromError(err)
}

type session struct {
	p   *Plugin
	s   *bridge.Session
	log zerolog.Logger

	mu         sync.Mutex
	registered map[string]bool
	stop       func()
}

func (p *Plugin) Attach(s *bridge.Session, d *bridge.Dispatcher) {
	h := &session{p: p, s: s, log: p.log.With().Str("session", s.ID).Logger(), registered: map[string]bool{}}
	s.OnClose(h.close)
	d.SetErrorMapper(mapError)

	d.HandleFunc("Auth#registerChangeListeners", h.registerChangeListeners)
	d.HandleFunc("Auth#applyActionCode", h.applyActionCode)
	d.HandleFunc("Auth#checkActionCode", h.checkActionCode)
	d.HandleFunc("Auth#confirmPasswordReset", h.confirmPasswordReset)
	d.HandleFunc("Auth#createUserWithEmailAndPassword", h.createUser)
	d.HandleFunc("Auth#fetchSignInMethodsForEmail", h.fetchSignInMethods)
	d.HandleFunc("Auth#sendPasswordResetEmail", h.sendPasswordResetEmail)
	d.HandleFunc("Auth#sendSignInLinkToEmail", h.sendSignInLink)
	d.HandleFunc("Auth#signInWithCredential", h.signInWithCredential)
	d.HandleFunc("Auth#setLanguageCode", h.setLanguageCode)
	d.HandleFunc("Auth#signInAnonymously", h.signInAnonymously)
	d.HandleFunc("Auth#signInWithCustomToken", h.signInWithCustomToken)
	d.HandleFunc("Auth#signInWithEmailAndPassword", h.signInWithPassword)
	d.HandleFunc("Auth#signInWithEmailAndLink", h.signInWithEmailLink)
	d.HandleFunc("Auth#signOut", h.signOut)
	d.HandleFunc("Auth#verifyPasswordResetCode", h.verifyPasswordResetCode)

	d.HandleFunc("User#delete", h.deleteUser)
	d.HandleFunc("User#getIdToken", h.getIDToken)
	d.HandleFunc("User#linkWithCredential", h.link)
	d.HandleFunc("User#reauthenticateUserWithCredential", h.reauthenticate)
	d.HandleFunc("User#reload", h.reload)
	d.HandleFunc("User#sendEmailVerification", h.sendEmailVerification)
	d.HandleFunc("User#unlink", h.unlink)
	d.HandleFunc("User#updateEmail", h.updateEmail)
	d.HandleFunc("User#updateProfile", h.updateProfile)
	d.HandleFunc("User#verifyBeforeUpdateEmail", h.verifyBeforeUpdateEmail)
}

func (h *session) close() {
	h.mu.Lock()
	stop := h.stop
	h.stop = nil
	h.mu.Unlock()
	if stop != nil {
		stop()
		h.log.Debug().Msg("auth listeners released")
	}
}

func appName(a bridge.Args) (string, error) { return a.OptString("appName", defaultApp) }

func eventMethod(k EventKind) string {
	if k == AuthStateChanged {
		return "Auth#authStateChanges"
	}
	return "Auth#idTokenChanges"
}

func (h *session) notify(ev Event) {
	h.s.Notify(Channel, eventMethod(ev.Kind), map[string]any{"appName": ev.App, "user": userMap(ev.User)})
}

// registerChangeListeners subscribes the session to an app's auth events
// once and reports the current state straight away.
func (h *session) registerChangeListeners(_ context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.registered[app] {
		h.mu.Unlock()
		return nil, nil
	}
	h.registered[app] = true
	if h.stop == nil {
		h.stop = h.p.svc.Subscribe(func(ev Event) {
			h.mu.Lock()
			ok := h.registered[ev.App]
			h.mu.Unlock()
			if ok {
				h.notify(ev)
			}
		})
	}
	h.mu.Unlock()
	h.log.Debug().Str("app", app).Msg("auth listeners registered")
	user := h.p.svc.CurrentUser(app)
	h.notify(Event{Kind: AuthStateChanged, App: app, User: user})
	h.notify(Event{Kind: IDTokenChanged, App: app, User: user})
	return nil, nil
}

func parseCredential(a bridge.Args) (Credential, error) {
	if !a.Has("credential") {
		return Credential{}, ErrInvalidCredential
	}
	m, err := a.Map("credential")
	if err != nil {
		return Credential{}, err
	}
	c := bridge.Args(m)
	var out Credential
	fields := []struct {
		key string
		dst *string
	}{
		{"providerId", &out.ProviderID},
		{"secret", &out.Secret},
		{"idToken", &out.IDToken},
		{"accessToken", &out.AccessToken},
		{"rawNonce", &out.RawNonce},
		{"email", &out.Email},
		{"emailLink", &out.EmailLink},
	}
	for _, f := range fields {
		if *f.dst, err = c.OptString(f.key, ""); err != nil {
			return out, err
		}
	}
	switch out.ProviderID {
	case "emailLink":
		out.ProviderID = ProviderPassword
		if out.EmailLink == "" {
			return out, ErrInvalidCredential
		}
	case ProviderPassword, "facebook.com", "google.com", "twitter.com", "github.com", "oauth":
	default:
		return out, ErrInvalidCredential
	}
	return out, nil
}

func parseActionCodeSettings(a bridge.Args) (*ActionCodeSettings, error) {
	if !a.Has("actionCodeSettings") {
		return nil, nil
	}
	m, err := a.Map("actionCodeSettings")
	if err != nil {
		return nil, err
	}
	s := bridge.Args(m)
	var out ActionCodeSettings
	if out.URL, err = s.OptString("url", ""); err != nil {
		return nil, err
	}
	if out.HandleCodeInApp, err = s.Bool("handleCodeInApp", false); err != nil {
		return nil, err
	}
	return &out, nil
}

// stringArgs reads required string arguments in order.
func stringArgs(a bridge.Args, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	for i, k := range keys {
		v, err := a.String(k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *session) applyActionCode(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	code, err := a.String("code")
	if err != nil {
		return nil, err
	}
	return nil, h.p.svc.ApplyActionCode(ctx, app, code)
}

func (h *session) checkActionCode(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	code, err := a.String("code")
	if err != nil {
		return nil, err
	}
	info, err := h.p.svc.CheckActionCode(ctx, app, code)
	if err != nil {
		return nil, err
	}
	return actionCodeMap(info), nil
}

func (h *session) confirmPasswordReset(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	v, err := stringArgs(a, "code", "newPassword")
	if err != nil {
		return nil, err
	}
	return nil, h.p.svc.ConfirmPasswordReset(ctx, app, v[0], v[1])
}

func (h *session) createUser(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	v, err := stringArgs(a, "email", "password")
	if err != nil {
		return nil, err
	}
	r, err := h.p.svc.CreateUser(ctx, app, v[0], v[1])
	if err != nil {
		return nil, err
	}
	return resultMap(r), nil
}

func (h *session) fetchSignInMethods(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	email, err := a.String("email")
	if err != nil {
		return nil, err
	}
	methods, err := h.p.svc.SignInMethods(ctx, app, email)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(methods))
	for i, m := range methods {
		out[i] = m
	}
	return out, nil
}

func (h *session) sendPasswordResetEmail(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	email, err := a.String("email")
	if err != nil {
		return nil, err
	}
	settings, err := parseActionCodeSettings(a)
	if err != nil {
		return nil, err
	}
	return nil, h.p.svc.SendPasswordReset(ctx, app, email, settings)
}

func (h *session) sendSignInLink(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	email, err := a.String("email")
	if err != nil {
		return nil, err
	}
	settings, err := parseActionCodeSettings(a)
	if err != nil {
		return nil, err
	}
	return nil, h.p.svc.SendSignInLink(ctx, app, email, settings)
}

func (h *session) signInWithCredential(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	c, err := parseCredential(a)
	if err != nil {
		return nil, err
	}
	r, err := h.p.svc.SignInWithCredential(ctx, app, c)
	if err != nil {
		return nil, err
	}
	return resultMap(r), nil
}

func (h *session) setLanguageCode(_ context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	code, err := a.OptString("languageCode", "")
	if err != nil {
		return nil, err
	}
	return h.p.svc.SetLanguageCode(app, code), nil
}

func (h *session) signInAnonymously(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	r, err := h.p.svc.SignInAnonymously(ctx, app)
	if err != nil {
		return nil, err
	}
	return resultMap(r), nil
}

func (h *session) signInWithCustomToken(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	token, err := a.String("token")
	if err != nil {
		return nil, err
	}
	r, err := h.p.svc.SignInWithCustomToken(ctx, app, token)
	if err != nil {
		return nil, err
	}
	return resultMap(r), nil
}

func (h *session) signInWithPassword(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	v, err := stringArgs(a, "email", "password")
	if err != nil {
		return nil, err
	}
	r, err := h.p.svc.SignInWithPassword(ctx, app, v[0], v[1])
	if err != nil {
		return nil, err
	}
	return resultMap(r), nil
}

func (h *session) signInWithEmailLink(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	v, err := stringArgs(a, "email", "emailLink")
	if err != nil {
		return nil, err
	}
	r, err := h.p.svc.SignInWithEmailLink(ctx, app, v[0], v[1])
	if err != nil {
		return nil, err
	}
	return resultMap(r), nil
}

func (h *session) signOut(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	h.p.svc.SignOut(ctx, app)
	h.log.Info().Str("app", app).Msg("signed out")
	return nil, nil
}

func (h *session) verifyPasswordResetCode(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	code, err := a.String("code")
	if err != nil {
		return nil, err
	}
	return h.p.svc.VerifyPasswordResetCode(ctx, app, code)
}

func (h *session) deleteUser(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	return nil, h.p.svc.DeleteUser(ctx, app)
}

func (h *session) getIDToken(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	force, err := a.Bool("forceRefresh", false)
	if err != nil {
		return nil, err
	}
	tokenOnly, err := a.Bool("tokenOnly", false)
	if err != nil {
		return nil, err
	}
	tok, err := h.p.svc.IDToken(ctx, app, force)
	if err != nil {
		return nil, err
	}
	if tokenOnly {
		return tok.Token, nil
	}
	return tokenMap(tok), nil
}

func (h *session) link(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	if h.p.svc.CurrentUser(app) == nil {
		return nil, ErrNoCurrentUser
	}
	c, err := parseCredential(a)
	if err != nil {
		return nil, err
	}
	r, err := h.p.svc.Link(ctx, app, c)
	if err != nil {
		return nil, err
	}
	return resultMap(r), nil
}

func (h *session) reauthenticate(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	if h.p.svc.CurrentUser(app) == nil {
		return nil, ErrNoCurrentUser
	}
	c, err := parseCredential(a)
	if err != nil {
		return nil, err
	}
	r, err := h.p.svc.Reauthenticate(ctx, app, c)
	if err != nil {
		return nil, err
	}
	return resultMap(r), nil
}

func (h *session) reload(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	return nil, h.p.svc.Reload(ctx, app)
}

func (h *session) sendEmailVerification(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	settings, err := parseActionCodeSettings(a)
	if err != nil {
		return nil, err
	}
	return nil, h.p.svc.SendEmailVerification(ctx, app, settings)
}

func (h *session) unlink(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	provider, err := a.String("providerId")
	if err != nil {
		return nil, err
	}
	r, err := h.p.svc.Unlink(ctx, app, provider)
	if err != nil {
		return nil, err
	}
	return resultMap(r), nil
}

func (h *session) updateEmail(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	email, err := a.String("newEmail")
	if err != nil {
		return nil, err
	}
	return nil, h.p.svc.UpdateEmail(ctx, app, email)
}

func (h *session) updateProfile(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	m, err := a.Map("profile")
	if err != nil {
		return nil, err
	}
	var p Profile
	if v, ok := m["displayName"].(string); ok {
		p.DisplayName = &v
	}
	if v, ok := m["photoURL"].(string); ok {
		p.PhotoURL = &v
	}
	return nil, h.p.svc.UpdateProfile(ctx, app, p)
}

func (h *session) verifyBeforeUpdateEmail(ctx context.Context, a bridge.Args) (any, error) {
	app, err := appName(a)
	if err != nil {
		return nil, err
	}
	email, err := a.String("newEmail")
	if err != nil {
		return nil, err
	}
	settings, err := parseActionCodeSettings(a)
	if err != nil {
		return nil, err
	}
	return nil, h.p.svc.VerifyBeforeUpdateEmail(ctx, app, email, settings)
}
