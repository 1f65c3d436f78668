package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/christopherjohns/bookreview/internal/config"
)

const defaultBaseURL = "https://identitytoolkit.googleapis.com"

var scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/firebase",
	"https://www.googleapis.com/auth/identitytoolkit",
}

// APIError is a non-2xx answer from the Identity Toolkit API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity toolkit: %d %s", e.Status, e.Message)
}

// Unwrap maps provider error codes onto the package sentinels.
func (e *APIError) Unwrap() error {
	code, _, _ := strings.Cut(e.Message, " ")
	switch code {
	case "EMAIL_EXISTS", "DUPLICATE_EMAIL":
		return ErrIdentityExists
	case "USER_NOT_FOUND", "EMAIL_NOT_FOUND":
		return ErrIdentityNotFound
	}
	return nil
}

// FirebaseClient implements Provider and Lister against the Firebase Auth
// admin REST API (or its local emulator).
type FirebaseClient struct {
	projectID string
	baseURL   string
	http      *http.Client
	log       *zap.Logger
}

// FirebaseOption configures a FirebaseClient.
type FirebaseOption func(*FirebaseClient)

// WithHTTPClient replaces the authenticated transport.
func WithHTTPClient(c *http.Client) FirebaseOption {
	return func(f *FirebaseClient) { f.http = c }
}

// WithBaseURL points the client at another API root.
func WithBaseURL(u string) FirebaseOption {
	return func(f *FirebaseClient) { f.baseURL = strings.TrimRight(u, "/") }
}

// NewFirebaseClient builds a client for the configured project. Without an
// explicit HTTP client it authenticates with the service account named by
// cfg.CredentialsFile, application default credentials, or the emulator's
// fixed owner token.
func NewFirebaseClient(ctx context.Context, cfg config.FirebaseConfig, log *zap.Logger, opts ...FirebaseOption) (*FirebaseClient, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("identity: firebase project id is required")
	}
	c := &FirebaseClient{
		projectID: cfg.ProjectID,
		baseURL:   defaultBaseURL,
		log:       log,
	}
	if cfg.EmulatorHost != "" {
		c.baseURL = "http://" + cfg.EmulatorHost + "/identitytoolkit.googleapis.com"
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http != nil {
		return c, nil
	}

	if cfg.EmulatorHost != "" {
		c.http = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "owner"}))
		return c, nil
	}

	var creds *google.Credentials
	var err error
	if cfg.CredentialsFile != "" {
		data, readErr := os.ReadFile(cfg.CredentialsFile)
		if readErr != nil {
			return nil, fmt.Errorf("identity: read credentials: %w", readErr)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, scopes...)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, scopes...)
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load credentials: %w", err)
	}
	c.http = oauth2.NewClient(ctx, creds.TokenSource)
	return c, nil
}

type userRecord struct {
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	EmailVerified bool   `json:"emailVerified"`
}

func (u userRecord) identity() Identity {
	return Identity{
		DurableID:     u.LocalID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		EmailVerified: u.EmailVerified,
	}
}

// CreateIdentity creates an account. ErrIdentityExists is returned (wrapped)
// when the email is taken.
func (c *FirebaseClient) CreateIdentity(ctx context.Context, in NewIdentity) (*Identity, error) {
	req := map[string]any{
		"email":       in.Email,
		"password":    in.Password,
		"displayName": in.DisplayName,
	}
	var out userRecord
	if err := c.do(ctx, http.MethodPost, c.projectPath("/accounts"), req, &out); err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	if out.LocalID == "" {
		return nil, errors.New("create identity: provider returned no id")
	}
	if out.Email == "" {
		out.Email = in.Email
	}
	if out.DisplayName == "" {
		out.DisplayName = in.DisplayName
	}
	id := out.identity()
	c.log.Debug("identity created", zap.String("durable_id", id.DurableID))
	return &id, nil
}

// FindIdentityByEmail returns the account registered for email.
func (c *FirebaseClient) FindIdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	req := map[string]any{"email": []string{email}}
	var out struct {
		Users []userRecord `json:"users"`
	}
	if err := c.do(ctx, http.MethodPost, c.projectPath("/accounts:lookup"), req, &out); err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	if len(out.Users) == 0 {
		return nil, fmt.Errorf("find identity: %w", ErrIdentityNotFound)
	}
	id := out.Users[0].identity()
	return &id, nil
}

// GenerateVerificationLink asks the provider for a one-time email
// verification link without having it send the mail itself.
func (c *FirebaseClient) GenerateVerificationLink(ctx context.Context, email string) (string, error) {
	req := map[string]any{
		"requestType":   "VERIFY_EMAIL",
		"email":         email,
		"returnOobLink": true,
	}
	var out struct {
		OOBLink string `json:"oobLink"`
	}
	if err := c.do(ctx, http.MethodPost, c.projectPath("/accounts:sendOobCode"), req, &out); err != nil {
		return "", fmt.Errorf("verification link: %w", err)
	}
	if out.OOBLink == "" {
		return "", errors.New("verification link: provider returned no link")
	}
	return out.OOBLink, nil
}

// ListIdentities returns one page of accounts.
func (c *FirebaseClient) ListIdentities(ctx context.Context, pageToken string, max int) (*Page, error) {
	q := url.Values{}
	if max > 0 {
		q.Set("maxResults", strconv.Itoa(max))
	}
	if pageToken != "" {
		q.Set("nextPageToken", pageToken)
	}
	path := c.projectPath("/accounts:batchGet")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Users         []userRecord `json:"users"`
		NextPageToken string       `json:"nextPageToken"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	page := &Page{NextPageToken: out.NextPageToken}
	for _, u := range out.Users {
		page.Identities = append(page.Identities, u.identity())
	}
	return page, nil
}

func (c *FirebaseClient) projectPath(suffix string) string {
	return "/v1/projects/" + url.PathEscape(c.projectID) + suffix
}

func (c *FirebaseClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
