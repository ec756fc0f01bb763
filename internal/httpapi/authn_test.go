package httpapi

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"bizdesk.io/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr error
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", nil},
		{"bearer   abc", "abc", nil},
		{"", "", auth.ErrMissingToken},
		{"   ", "", auth.ErrMissingToken},
		{"Basic dXNlcjpwYXNz", "", auth.ErrMalformedToken},
		{"Bearer ", "", auth.ErrMalformedToken},
		{"Bear", "", auth.ErrMalformedToken},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%q: expected %v, got %v", tc.header, tc.wantErr, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got (%q, %v), want %q", tc.header, got, err, tc.want)
		}
	}
}

func TestAuthenticateRejections(t *testing.T) {
	c := newTestAPI(t)
	u := c.createUser("inactive@example.com", auth.RoleEmployee)
	token := c.login("inactive@example.com")

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Token " + token},
		{"tampered", "Bearer " + token + "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, c.baseURL+"/v1/auth/me", nil)
			if err != nil {
				t.Fatal(err)
			}
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := c.client.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			expectStatus(t, resp, http.StatusUnauthorized)
			if resp.Header.Get("WWW-Authenticate") == "" {
				t.Fatal("expected WWW-Authenticate header")
			}
		})
	}

	// A deactivated account loses access on the next request.
	if _, err := c.svc.SetUserStatus(context.Background(), operator, u.ID, auth.StatusSuspended); err != nil {
		t.Fatalf("SetUserStatus: %v", err)
	}
	expectStatus(t, c.do(http.MethodGet, "/v1/auth/me", nil, token), http.StatusUnauthorized)
}

func TestAuthenticateRetiredRole(t *testing.T) {
	c := newTestAPI(t)
	c.createUser("manager@example.com", auth.RoleManager)
	token := c.login("manager@example.com")
	expectStatus(t, c.do(http.MethodGet, "/v1/auth/me", nil, token), http.StatusOK)

	if err := c.svc.RetireRole(context.Background(), auth.RoleManager); err != nil {
		t.Fatalf("RetireRole: %v", err)
	}
	expectStatus(t, c.do(http.MethodGet, "/v1/auth/me", nil, token), http.StatusUnauthorized)
}
