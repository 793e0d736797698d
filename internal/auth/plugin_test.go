package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gaspardpetit/firebridge/internal/bridge"
	"github.com/gaspardpetit/firebridge/internal/channel"
	"github.com/gaspardpetit/firebridge/internal/codec"
)

type event struct {
	method string
	args   map[string]any
}

func setup(t *testing.T) (*channel.MethodChannel, chan event, *Service) {
	t.Helper()
	a, b := channel.Pipe()
	svc := newTestService()
	br := bridge.New(bridge.Options{}, New(svc))
	br.Attach(b)
	t.Cleanup(func() {
		a.Close()
		br.Close()
	})
	events := make(chan event, 32)
	ch := channel.NewMethodChannel(Channel, a, codec.Firestore(nil))
	ch.SetCallHandler(func(ctx context.Context, call codec.MethodCall, res channel.Result) {
		args, _ := call.Args()
		events <- event{call.Method, args}
		res.Success(nil)
	})
	return ch, events, svc
}

func invoke(ch *channel.MethodChannel, method string, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ch.Invoke(ctx, method, args)
}

func next(t *testing.T, events chan event) event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification")
	}
	return event{}
}

func TestRegisterFiresImmediately(t *testing.T) {
	ch, events, _ := setup(t)
	if _, err := invoke(ch, "Auth#registerChangeListeners", map[string]any{"appName": "[DEFAULT]"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	first, second := next(t, events), next(t, events)
	if first.method != "Auth#authStateChanges" || second.method != "Auth#idTokenChanges" {
		t.Fatalf("unexpected notifications %s, %s", first.method, second.method)
	}
	if first.args["user"] != nil || first.args["appName"] != "[DEFAULT]" {
		t.Fatalf("unexpected payload %v", first.args)
	}

	// A second registration for the same app is a no-op.
	if _, err := invoke(ch, "Auth#registerChangeListeners", map[string]any{"appName": "[DEFAULT]"}); err != nil {
		t.Fatalf("register again: %v", err)
	}
	v, err := invoke(ch, "Auth#signInAnonymously", map[string]any{"appName": "[DEFAULT]"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	user := v.(map[string]any)["user"].(map[string]any)
	if user["isAnonymous"] != true || user["refreshToken"] != "" {
		t.Fatalf("unexpected user %v", user)
	}
	ev := next(t, events)
	if ev.method != "Auth#authStateChanges" {
		t.Fatalf("expected auth state change after sign in, got %s", ev.method)
	}
	if u, _ := ev.args["user"].(map[string]any); u["uid"] != user["uid"] {
		t.Fatalf("unexpected notified user %v", ev.args["user"])
	}
}

func TestErrorsCarryFormattedCode(t *testing.T) {
	ch, _, _ := setup(t)
	args := map[string]any{"email": "ada@example.com", "password": "secret1"}
	if _, err := invoke(ch, "Auth#createUserWithEmailAndPassword", args); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := invoke(ch, "Auth#createUserWithEmailAndPassword", args)
	var re *codec.RemoteError
	if !errors.As(err, &re) || re.Code != ErrorCode {
		t.Fatalf("expected remote error, got %v", err)
	}
	details := re.Details.(map[string]any)
	if details["code"] != "email-already-in-use" || re.Message != ErrEmailAlreadyInUse.Message {
		t.Fatalf("unexpected details %v", details)
	}
	if extra := details["additionalData"].(map[string]any); extra["email"] != "ada@example.com" {
		t.Fatalf("unexpected additional data %v", extra)
	}

	_, err = invoke(ch, "User#reload", map[string]any{"appName": "other"})
	if !errors.As(err, &re) || re.Details.(map[string]any)["code"] != "no-current-user" {
		t.Fatalf("expected no-current-user, got %v", err)
	}
	_, err = invoke(ch, "Auth#signInWithCredential", map[string]any{"credential": map[string]any{"providerId": "phone"}})
	if !errors.As(err, &re) || re.Details.(map[string]any)["code"] != "invalid-credential" {
		t.Fatalf("expected invalid-credential, got %v", err)
	}
}

func TestPluginConstants(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	p := New(svc)
	c, _ := p.PluginConstants(ctx, "[DEFAULT]")
	if len(c) != 0 {
		t.Fatalf("expected no constants, got %v", c)
	}
	svc.SetLanguageCode("[DEFAULT]", "fr")
	if _, err := svc.SignInAnonymously(ctx, "[DEFAULT]"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	c, _ = p.PluginConstants(ctx, "[DEFAULT]")
	if c["APP_LANGUAGE_CODE"] != "fr" || c["APP_CURRENT_USER"] == nil {
		t.Fatalf("unexpected constants %v", c)
	}
}

func TestFederatedCredential(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	c := Credential{ProviderID: "github.com", AccessToken: "gho_abc"}
	r, err := svc.SignInWithCredential(ctx, "app", c)
	if err != nil || !r.IsNewUser || r.Credential == nil {
		t.Fatalf("first sign in: %+v %v", r, err)
	}
	r2, err := svc.SignInWithCredential(ctx, "app", c)
	if err != nil || r2.IsNewUser || r2.User.UID != r.User.UID {
		t.Fatalf("second sign in: %+v %v", r2, err)
	}
	if _, err := svc.SignInWithCredential(ctx, "app", Credential{ProviderID: "google.com"}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected invalid credential, got %v", err)
	}
}

func TestSignOutNotifiesNullUser(t *testing.T) {
	ch, events, svc := setup(t)
	if _, err := invoke(ch, "Auth#registerChangeListeners", map[string]any{"appName": "[DEFAULT]"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	next(t, events)
	next(t, events)
	if _, err := invoke(ch, "Auth#signInAnonymously", map[string]any{"appName": "[DEFAULT]"}); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if _, err := invoke(ch, "Auth#signOut", map[string]any{"appName": "[DEFAULT]"}); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if svc.CurrentUser("[DEFAULT]") != nil {
		t.Fatalf("user still signed in")
	}
	// sign-in events come first; the last auth state change is the sign out
	for i := 0; i < 4; i++ {
		ev := next(t, events)
		if ev.method == "Auth#authStateChanges" && ev.args["user"] == nil {
			return
		}
	}
	t.Fatalf("no signed-out notification")
}
