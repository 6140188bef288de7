package handler

import (
	"bytes"
	"errors"
	"net/http"
	"testing"

	"github.com/tenantry/auth-service/internal/directory"
)

func TestTenantEmailSignInFlow(t *testing.T) {
	e := newWebEnv(t)
	e.subjects.add(directory.Subject{
		ID:    "sub-1",
		Email: "maria@tenant.example",
		Phones: []directory.Phone{
			{Number: "+15550001111", WhatsApp: true},
		},
	})

	requested := e.do(http.MethodPost, "/auth/tenant/signin", map[string]string{
		"email": "maria@tenant.example",
	})
	if requested.Code != http.StatusNoContent {
		t.Fatalf("request status = %d, body %s", requested.Code, requested.Body.String())
	}
	code := e.emails.lastCode()
	if len(code) != 6 {
		t.Fatalf("delivered code = %q, want six digits", code)
	}

	verified := e.do(http.MethodGet, "/auth/tenant/signedin?otp="+code, nil)
	if verified.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", verified.Code, verified.Body.String())
	}
	var sess sessionBody
	dataAs(t, parseEnvelope(t, verified), &sess)
	if sess.SessionToken == "" {
		t.Fatal("no session token in body")
	}
	if sess.Principal.Role != "tenant" || sess.Principal.Email != "maria@tenant.example" {
		t.Fatalf("unexpected principal: %+v", sess.Principal)
	}

	cookie := sessionCookie(t, verified, e.cfg.Token.CookieName)
	if !cookie.HttpOnly {
		t.Fatal("session cookie is not HttpOnly")
	}
	if cookie.Value != sess.SessionToken {
		t.Fatal("cookie value differs from the session token in the body")
	}

	// The cookie authenticates follow-up requests.
	who := e.do(http.MethodGet, "/auth/tenant/session", nil, withCookie(cookie.Name, cookie.Value))
	if who.Code != http.StatusOK {
		t.Fatalf("session status = %d, body %s", who.Code, who.Body.String())
	}

	out := e.do(http.MethodDelete, "/auth/tenant/signout", nil, withCookie(cookie.Name, cookie.Value))
	if out.Code != http.StatusNoContent {
		t.Fatalf("sign-out status = %d", out.Code)
	}
	cleared := sessionCookie(t, out, e.cfg.Token.CookieName)
	if cleared.MaxAge >= 0 {
		t.Fatalf("sign-out did not clear the cookie: MaxAge = %d", cleared.MaxAge)
	}

	after := e.do(http.MethodGet, "/auth/tenant/session", nil, withCookie(cookie.Name, cookie.Value))
	if after.Code != http.StatusUnauthorized {
		t.Fatalf("session after sign-out = %d, want 401", after.Code)
	}
}

func TestTenantSignInUniformAcrossSubjects(t *testing.T) {
	e := newWebEnv(t)
	e.subjects.add(directory.Subject{ID: "sub-1", Email: "maria@tenant.example"})

	known := e.do(http.MethodPost, "/auth/tenant/signin", map[string]string{
		"email": "maria@tenant.example",
	})
	unknown := e.do(http.MethodPost, "/auth/tenant/signin", map[string]string{
		"email": "ghost@tenant.example",
	})

	if known.Code != http.StatusNoContent || unknown.Code != http.StatusNoContent {
		t.Fatalf("statuses = %d, %d; want 204, 204", known.Code, unknown.Code)
	}
	if !bytes.Equal(known.Body.Bytes(), unknown.Body.Bytes()) {
		t.Fatalf("bodies differ:\n%q\n%q", known.Body.String(), unknown.Body.String())
	}
	if e.emails.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", e.emails.count())
	}
}

func TestTenantWhatsAppCapabilityGate(t *testing.T) {
	e := newWebEnv(t)
	e.subjects.add(directory.Subject{
		ID:    "sub-1",
		Email: "maria@tenant.example",
		Phones: []directory.Phone{
			{Number: "+15550001111", WhatsApp: true},
			{Number: "+15550002222", WhatsApp: false},
		},
	})

	enabled := e.do(http.MethodPost, "/auth/tenant/whatsapp/signin", map[string]string{
		"phoneNumber": "+15550001111",
	})
	disabled := e.do(http.MethodPost, "/auth/tenant/whatsapp/signin", map[string]string{
		"phoneNumber": "+15550002222",
	})

	if enabled.Code != http.StatusNoContent || disabled.Code != http.StatusNoContent {
		t.Fatalf("statuses = %d, %d; want 204, 204", enabled.Code, disabled.Code)
	}
	if !bytes.Equal(enabled.Body.Bytes(), disabled.Body.Bytes()) {
		t.Fatal("capability gate leaks through the response body")
	}
	// Only the WhatsApp-enabled number got a code.
	if e.whats.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", e.whats.count())
	}
}

func TestTenantWhatsAppSignInFlow(t *testing.T) {
	e := newWebEnv(t)
	e.subjects.add(directory.Subject{
		ID:    "sub-9",
		Email: "rosa@tenant.example",
		Phones: []directory.Phone{
			{Number: "+18091234567", WhatsApp: true},
		},
	})

	requested := e.do(http.MethodPost, "/auth/tenant/whatsapp/signin", map[string]string{
		"phoneNumber": "+18091234567",
	})
	if requested.Code != http.StatusNoContent {
		t.Fatalf("request status = %d, body %s", requested.Code, requested.Body.String())
	}

	verified := e.do(http.MethodGet, "/auth/tenant/whatsapp/signedin?otp="+e.whats.lastCode(), nil)
	if verified.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body %s", verified.Code, verified.Body.String())
	}
	var sess sessionBody
	dataAs(t, parseEnvelope(t, verified), &sess)
	if sess.Principal.Role != "tenant" || sess.Principal.Phone != "+18091234567" {
		t.Fatalf("unexpected principal: %+v", sess.Principal)
	}
	if sess.Principal.Email != "rosa@tenant.example" {
		t.Fatalf("principal email = %q", sess.Principal.Email)
	}
}

func TestTenantDeliveryFailureMapsTo502(t *testing.T) {
	e := newWebEnv(t)
	e.subjects.add(directory.Subject{
		ID:    "sub-1",
		Email: "maria@tenant.example",
		Phones: []directory.Phone{
			{Number: "+15550001111", WhatsApp: true},
		},
	})
	e.emails.fail(errors.New("provider down"))
	e.whats.fail(errors.New("provider down"))

	email := e.do(http.MethodPost, "/auth/tenant/signin", map[string]string{
		"email": "maria@tenant.example",
	})
	whatsapp := e.do(http.MethodPost, "/auth/tenant/whatsapp/signin", map[string]string{
		"phoneNumber": "+15550001111",
	})

	// Both channels fail the same way; neither is load-bearing enough to
	// get a softer error than the other.
	if email.Code != http.StatusBadGateway || whatsapp.Code != http.StatusBadGateway {
		t.Fatalf("statuses = %d, %d; want 502, 502", email.Code, whatsapp.Code)
	}
}

func TestTenantOTPReplayRejected(t *testing.T) {
	e := newWebEnv(t)
	e.subjects.add(directory.Subject{ID: "sub-1", Email: "maria@tenant.example"})

	e.do(http.MethodPost, "/auth/tenant/signin", map[string]string{"email": "maria@tenant.example"})
	code := e.emails.lastCode()

	first := e.do(http.MethodGet, "/auth/tenant/signedin?otp="+code, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first verify = %d", first.Code)
	}
	second := e.do(http.MethodGet, "/auth/tenant/signedin?otp="+code, nil)
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("replayed code = %d, want 401", second.Code)
	}
}

func TestTenantVerifyWrongChannelBurnsCode(t *testing.T) {
	e := newWebEnv(t)
	e.subjects.add(directory.Subject{ID: "sub-1", Email: "maria@tenant.example"})

	e.do(http.MethodPost, "/auth/tenant/signin", map[string]string{"email": "maria@tenant.example"})
	code := e.emails.lastCode()

	cross := e.do(http.MethodGet, "/auth/tenant/whatsapp/signedin?otp="+code, nil)
	if cross.Code != http.StatusUnauthorized {
		t.Fatalf("cross-channel verify = %d, want 401", cross.Code)
	}
	// The mismatch consumed the code.
	retry := e.do(http.MethodGet, "/auth/tenant/signedin?otp="+code, nil)
	if retry.Code != http.StatusUnauthorized {
		t.Fatalf("original channel after mismatch = %d, want 401", retry.Code)
	}
}

func TestTenantVerifyValidation(t *testing.T) {
	e := newWebEnv(t)

	for _, otp := range []string{"", "12345", "1234567", "12345a"} {
		rr := e.do(http.MethodGet, "/auth/tenant/signedin?otp="+otp, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("otp %q status = %d, want 400", otp, rr.Code)
		}
	}
}

func TestSessionWithoutCredential(t *testing.T) {
	e := newWebEnv(t)

	rr := e.do(http.MethodGet, "/auth/tenant/session", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestTenantRequestValidation(t *testing.T) {
	e := newWebEnv(t)

	cases := []struct {
		name string
		path string
		body map[string]string
	}{
		{"malformed email", "/auth/tenant/signin", map[string]string{"email": "not-an-email"}},
		{"malformed phone", "/auth/tenant/whatsapp/signin", map[string]string{"phoneNumber": "12345"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := e.do(http.MethodPost, tc.path, tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
			}
		})
	}
}
