package convoke_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/convoke-dev/convoke"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg"`
}

func doRequest(t *testing.T, server *convoke.Server, req *http.Request) (int, *envelope) {
	t.Helper()
	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, req)

	env := &envelope{}
	if err := json.Unmarshal(recorder.Body.Bytes(), env); err != nil {
		t.Fatalf("response is not an envelope: %v, got: %s", err, recorder.Body.String())
	}
	return recorder.Code, env
}

func TestServerResolvesConventionRoute(t *testing.T) {
	server := convoke.NewServer(nil)
	server.Handle("user_infoGet", func(ctx *convoke.RequestContext) *convoke.Result {
		return convoke.OK(map[string]any{"name": "alice"})
	})

	status, env := doRequest(t, server, httptest.NewRequest("GET", "/user/info", nil))
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if !env.Success {
		t.Errorf("expected success envelope, got %+v", env)
	}
}

func TestServerIndexAliases(t *testing.T) {
	server := convoke.NewServer(nil)
	server.Handle("indexGet", func(ctx *convoke.RequestContext) *convoke.Result {
		return convoke.OK("home")
	})

	for _, path := range []string{"/", "/index"} {
		status, env := doRequest(t, server, httptest.NewRequest("GET", path, nil))
		if status != http.StatusOK || !env.Success {
			t.Errorf("GET %s = %d %+v, want success", path, status, env)
		}
	}
}

func TestServerNotFound(t *testing.T) {
	server := convoke.NewServer(nil)

	status, env := doRequest(t, server, httptest.NewRequest("GET", "/missing", nil))
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if env.Success || env.Msg == "" {
		t.Errorf("expected failure envelope with message, got %+v", env)
	}
}

func TestServerArgumentMergePrecedence(t *testing.T) {
	var got map[string]any
	server := convoke.NewServer(nil)
	server.Handle("item_{id}Post", func(ctx *convoke.RequestContext) *convoke.Result {
		got = ctx.Args
		return convoke.OK(nil)
	})

	body := strings.NewReader(`{"id": "7", "name": "widget"}`)
	req := httptest.NewRequest("POST", "/item/42?id=99&q=search", body)
	req.Header.Set("Content-Type", "application/json")

	status, _ := doRequest(t, server, req)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	want := map[string]any{"id": "42", "name": "widget", "q": "search"}
	for key, value := range want {
		if got[key] != value {
			t.Errorf("args[%q] = %v, want %v\nfull args: %s", key, got[key], value, spew.Sdump(got))
		}
	}
}

func TestServerFormBodyMerge(t *testing.T) {
	var got map[string]any
	server := convoke.NewServer(nil)
	server.Handle("submitPost", func(ctx *convoke.RequestContext) *convoke.Result {
		got = ctx.Args
		return convoke.OK(nil)
	})

	req := httptest.NewRequest("POST", "/submit?source=query", strings.NewReader("field=value&source=form"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if status, _ := doRequest(t, server, req); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if got["field"] != "value" {
		t.Errorf("args[field] = %v, want value", got["field"])
	}
	if got["source"] != "form" {
		t.Errorf("body should override query on key collision, got %v", got["source"])
	}
}

func TestServerHandlerPanicIsRecovered(t *testing.T) {
	server := convoke.NewServer(nil)
	server.Handle("boomGet", func(ctx *convoke.RequestContext) *convoke.Result {
		panic("database exploded")
	})

	status, env := doRequest(t, server, httptest.NewRequest("GET", "/boom", nil))
	if status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", status)
	}
	if env.Success {
		t.Error("expected failure envelope")
	}
	if strings.Contains(env.Msg, "database") {
		t.Errorf("internal detail leaked to the caller: %q", env.Msg)
	}
}

type countingVerifier struct {
	calls     int
	principal any
	err       error
}

func (v *countingVerifier) Verify(token string) (any, error) {
	v.calls += 1
	return v.principal, v.err
}

func TestAuthGateDisabledWithoutVerifier(t *testing.T) {
	server := convoke.NewServer(nil)
	server.Handle("user_infoGet", func(ctx *convoke.RequestContext) *convoke.Result {
		return convoke.OK(nil)
	})

	status, env := doRequest(t, server, httptest.NewRequest("GET", "/user/info", nil))
	if status != http.StatusOK || !env.Success {
		t.Errorf("without a verifier the auth stage should pass through, got %d %+v", status, env)
	}
}

func TestAuthGateIgnoreAuthSkipsVerifier(t *testing.T) {
	verifier := &countingVerifier{err: errors.New("should never run")}
	server := convoke.NewServer(nil)
	server.SetVerifier(verifier)
	server.Handle("loginPost", func(ctx *convoke.RequestContext) *convoke.Result {
		return convoke.OK("welcome")
	}, convoke.IgnoreAuth())

	req := httptest.NewRequest("POST", "/login", nil)
	req.Header.Set("Authorization", "Bearer garbage")

	status, env := doRequest(t, server, req)
	if status != http.StatusOK || !env.Success {
		t.Errorf("ignore-auth route should not require a valid token, got %d %+v", status, env)
	}
	if verifier.calls != 0 {
		t.Errorf("verifier was consulted %d times for an ignore-auth route", verifier.calls)
	}
}

func TestAuthGateRejectsMissingToken(t *testing.T) {
	invoked := false
	server := convoke.NewServer(nil)
	server.SetVerifier(&countingVerifier{principal: "alice"})
	server.Handle("user_infoGet", func(ctx *convoke.RequestContext) *convoke.Result {
		invoked = true
		return convoke.OK(nil)
	})

	status, env := doRequest(t, server, httptest.NewRequest("GET", "/user/info", nil))
	if status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", status)
	}
	if env.Success {
		t.Error("expected failure envelope")
	}
	if invoked {
		t.Error("handler must not run for an unauthenticated request")
	}
}

func TestAuthGateRejectsInvalidToken(t *testing.T) {
	verifier := &countingVerifier{err: errors.New("bad signature")}
	invoked := false
	server := convoke.NewServer(nil)
	server.SetVerifier(verifier)
	server.Handle("user_infoGet", func(ctx *convoke.RequestContext) *convoke.Result {
		invoked = true
		return convoke.OK(nil)
	})

	req := httptest.NewRequest("GET", "/user/info", nil)
	req.Header.Set("Authorization", "Bearer nope")

	status, env := doRequest(t, server, req)
	if status != http.StatusForbidden || env.Success {
		t.Errorf("invalid token should yield 403 failure, got %d %+v", status, env)
	}
	if verifier.calls != 1 {
		t.Errorf("verifier calls = %d, want 1 (no retry)", verifier.calls)
	}
	if invoked {
		t.Error("handler must not run for an invalid token")
	}
}

func TestAuthGateInjectsPrincipal(t *testing.T) {
	server := convoke.NewServer(nil)
	server.SetVerifier(&countingVerifier{principal: map[string]any{"sub": "alice"}})

	var user any
	server.Handle("user_infoGet", func(ctx *convoke.RequestContext) *convoke.Result {
		user = ctx.Arg("user")
		return convoke.OK(nil)
	})

	req := httptest.NewRequest("GET", "/user/info", nil)
	req.Header.Set("Authorization", "Bearer good")

	status, _ := doRequest(t, server, req)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	principal, ok := user.(map[string]any)
	if !ok || principal["sub"] != "alice" {
		t.Errorf("principal not injected as user arg, got %v", user)
	}
}

func TestSocketRouteRequiresUpgrade(t *testing.T) {
	server := convoke.NewServer(nil)
	server.Handle("chatSocket", func(ctx *convoke.RequestContext, conn *convoke.Conn) {})

	status, env := doRequest(t, server, httptest.NewRequest("GET", "/chat", nil))
	if status != http.StatusBadRequest || env.Success {
		t.Errorf("plain GET to a socket route should fail with 400, got %d %+v", status, env)
	}
}
