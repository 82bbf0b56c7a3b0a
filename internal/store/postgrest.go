package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PostgREST error codes.
const (
	pgrstNoRows     = "PGRST116"
	uniqueViolation = "23505"
)

// PostgREST talks to a PostgREST (or Supabase) table over HTTP.
type PostgREST struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewPostgREST creates a store for table under the REST root baseURL, for
// Supabase "https://<project>.supabase.co/rest/v1". apiKey is sent both as
// the apikey header and as a bearer token. A nil client gets a 10 second
// timeout.
func NewPostgREST(baseURL, apiKey, table string, client *http.Client) (*PostgREST, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgrest url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("postgrest url %q must be absolute", baseURL)
	}
	if table == "" {
		return nil, errors.New("postgrest table is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PostgREST{
		endpoint: strings.TrimRight(u.String(), "/") + "/" + url.PathEscape(table),
		apiKey:   apiKey,
		client:   client,
	}, nil
}

type postgrestRow struct {
	RegistrationNumber string `json:"registration_number"`
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
}

type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (e postgrestError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (p *PostgREST) FindByKey(ctx context.Context, registrationNumber string) (Record, error) {
	q := url.Values{}
	q.Set("select", "registration_number,first_name,last_name")
	q.Set("registration_number", "eq."+registrationNumber)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Record{}, fmt.Errorf("build lookup request: %w", err)
	}
	// Ask for exactly one object; zero rows then comes back as PGRST116.
	req.Header.Set("Accept", "application/vnd.pgrst.object+json")

	resp, err := p.do(req)
	if err != nil {
		return Record{}, unavailable("postgrest lookup", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		perr := readPostgrestError(resp)
		if perr.Code == pgrstNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, p.statusError("postgrest lookup", resp.StatusCode, perr)
	}

	var row postgrestRow
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		return Record{}, fmt.Errorf("decode lookup response: %w", err)
	}
	return Record{
		RegistrationNumber: row.RegistrationNumber,
		FirstName:          row.FirstName,
		LastName:           row.LastName,
	}, nil
}

func (p *PostgREST) Insert(ctx context.Context, rec Record) error {
	body, err := json.Marshal([]postgrestRow{{
		RegistrationNumber: rec.RegistrationNumber,
		FirstName:          rec.FirstName,
		LastName:           rec.LastName,
	}})
	if err != nil {
		return fmt.Errorf("encode insert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build insert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	resp, err := p.do(req)
	if err != nil {
		return unavailable("postgrest insert", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	perr := readPostgrestError(resp)
	if resp.StatusCode == http.StatusConflict || perr.Code == uniqueViolation {
		return ErrConflict
	}
	return p.statusError("postgrest insert", resp.StatusCode, perr)
}

func (p *PostgREST) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *PostgREST) do(req *http.Request) (*http.Response, error) {
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(req)
}

func (p *PostgREST) statusError(op string, status int, perr postgrestError) error {
	if status >= 500 {
		return fmt.Errorf("%s: status %d: %w: %w", op, status, ErrUnavailable, perr)
	}
	return fmt.Errorf("%s: status %d: %w", op, status, perr)
}

func readPostgrestError(resp *http.Response) postgrestError {
	var perr postgrestError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &perr); err != nil || perr.Code == "" {
		perr.Message = strings.TrimSpace(string(data))
		if perr.Message == "" {
			perr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return perr
}
