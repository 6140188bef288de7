package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpAPI is the transport shared by the three directory clients.
type httpAPI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newHTTPAPI(baseURL, apiKey string, timeout time.Duration) httpAPI {
	return httpAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a httpAPI) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("directory request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("directory request: status=%d body=%s", resp.StatusCode, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("directory response: %w", err)
		}
	}
	return nil
}

// HTTPSubjects queries the tenant subject directory.
type HTTPSubjects struct {
	api httpAPI
}

func NewHTTPSubjects(baseURL, apiKey string, timeout time.Duration) *HTTPSubjects {
	return &HTTPSubjects{api: newHTTPAPI(baseURL, apiKey, timeout)}
}

func (s *HTTPSubjects) FindByEmail(ctx context.Context, email string) (Subject, error) {
	var out Subject
	err := s.api.do(ctx, http.MethodGet, "/subjects?email="+url.QueryEscape(email), nil, &out)
	return out, err
}

func (s *HTTPSubjects) FindByPhone(ctx context.Context, phone string) (Subject, error) {
	var out Subject
	err := s.api.do(ctx, http.MethodGet, "/subjects?phone="+url.QueryEscape(phone), nil, &out)
	return out, err
}

// HTTPAccounts queries the landlord account directory.
type HTTPAccounts struct {
	api httpAPI
}

func NewHTTPAccounts(baseURL, apiKey string, timeout time.Duration) *HTTPAccounts {
	return &HTTPAccounts{api: newHTTPAPI(baseURL, apiKey, timeout)}
}

func (a *HTTPAccounts) FindByEmail(ctx context.Context, email string) (Account, error) {
	var out Account
	err := a.api.do(ctx, http.MethodGet, "/accounts?email="+url.QueryEscape(email), nil, &out)
	return out, err
}

func (a *HTTPAccounts) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	in := map[string]string{"passwordHash": passwordHash}
	return a.api.do(ctx, http.MethodPatch, "/accounts/"+url.PathEscape(id)+"/password", in, nil)
}

// HTTPApplications manages registered machine clients per organization.
type HTTPApplications struct {
	api httpAPI
}

func NewHTTPApplications(baseURL, apiKey string, timeout time.Duration) *HTTPApplications {
	return &HTTPApplications{api: newHTTPAPI(baseURL, apiKey, timeout)}
}

func (a *HTTPApplications) Find(ctx context.Context, orgID, clientID string) (Application, error) {
	var out Application
	path := "/orgs/" + url.PathEscape(orgID) + "/applications/" + url.PathEscape(clientID)
	err := a.api.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (a *HTTPApplications) Save(ctx context.Context, app Application) error {
	path := "/orgs/" + url.PathEscape(app.OrgID) + "/applications/" + url.PathEscape(app.ClientID)
	return a.api.do(ctx, http.MethodPut, path, app, nil)
}
