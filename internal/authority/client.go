// Package authority is the client for the tax authority's document
// submission API.
package authority

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
)

const maxResponseBytes = 1 << 20

// Statuses the authority reports for a submission.
const (
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
)

// Submission is one document filed with the authority.
type Submission struct {
	TenantID     string
	DocumentID   string
	DocumentType string
	Document     []byte
	// IdempotencyKey lets the authority recognize a resubmission.
	IdempotencyKey string
}

// ValidationError is one problem the authority found in a document.
type ValidationError struct {
	Code    string `xml:"code,attr" json:"code"`
	Field   string `xml:"field,attr,omitempty" json:"field,omitempty"`
	Message string `xml:",chardata" json:"message"`
}

// Receipt is the authority's acknowledgment of an accepted document.
type Receipt struct {
	Status          string
	ReferenceNumber string
	// Response is the raw response document, kept as an audit artifact.
	Response string
}

type submissionRequest struct {
	XMLName      xml.Name `xml:"SubmissionRequest"`
	TenantID     string   `xml:"TenantID"`
	DocumentID   string   `xml:"DocumentID"`
	DocumentType string   `xml:"DocumentType"`
	Document     cdata    `xml:"Document"`
}

type cdata struct {
	Text string `xml:",cdata"`
}

type submissionResponse struct {
	XMLName         xml.Name          `xml:"SubmissionResponse"`
	Status          string            `xml:"Status"`
	ReferenceNumber string            `xml:"ReferenceNumber"`
	Errors          []ValidationError `xml:"Errors>Error"`
}

// Client submits documents over HTTP. It holds no per-request state and is
// safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client authenticated with OAuth2 client credentials.
// Without a client id the requests go out unauthenticated, which is only
// useful against a local sandbox.
func NewClient(ctx context.Context, cfg config.AuthorityConfig, logger *slog.Logger) *Client {
	var hc *http.Client
	if cfg.ClientID == "" {
		hc = &http.Client{}
	} else {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		hc = cc.Client(ctx)
	}
	hc.Timeout = cfg.Timeout
	return NewClientWithHTTP(cfg.BaseURL, hc, logger)
}

// NewClientWithHTTP uses the given HTTP client as is.
func NewClientWithHTTP(baseURL string, hc *http.Client, logger *slog.Logger) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc, logger: logger}
}

// Submit files a document. A rejection, or any other answer that resending
// the same document cannot change, is returned as a *core.PermanentError
// whose details carry the validation errors. Network failures, timeouts,
// 408, 429 and 5xx responses are returned as plain errors.
func (c *Client) Submit(ctx context.Context, s Submission) (*Receipt, error) {
	body, err := xml.Marshal(submissionRequest{
		TenantID:     s.TenantID,
		DocumentID:   s.DocumentID,
		DocumentType: s.DocumentType,
		Document:     cdata{Text: string(s.Document)},
	})
	if err != nil {
		return nil, core.Permanent("document cannot be encoded", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submissions", bytes.NewReader(append([]byte(xml.Header), body...)))
	if err != nil {
		return nil, core.Permanent("invalid authority request", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")
	if s.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", s.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authority request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read authority response: %w", err)
	}

	if deniedStatus(resp.StatusCode) {
		return nil, fmt.Errorf("%w: authority returned %s", core.ErrAccessDenied, resp.Status)
	}
	if retryableStatus(resp.StatusCode) {
		return nil, fmt.Errorf("authority returned %s", resp.Status)
	}

	var parsed submissionResponse
	parseErr := xml.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parseErr != nil {
			return nil, fmt.Errorf("unreadable authority response: %w", parseErr)
		}
		if strings.EqualFold(parsed.Status, StatusAccepted) && parsed.ReferenceNumber != "" {
			c.logger.Info("document accepted by authority",
				"tenant_id", s.TenantID,
				"document_id", s.DocumentID,
				"reference", parsed.ReferenceNumber,
			)
			return &Receipt{Status: StatusAccepted, ReferenceNumber: parsed.ReferenceNumber, Response: string(raw)}, nil
		}
		return nil, rejection(parsed, raw, resp.StatusCode)

	case resp.StatusCode == http.StatusConflict && parseErr == nil && parsed.ReferenceNumber != "":
		// Already filed under this idempotency key.
		c.logger.Info("document was already accepted by authority",
			"tenant_id", s.TenantID,
			"document_id", s.DocumentID,
			"reference", parsed.ReferenceNumber,
		)
		return &Receipt{Status: StatusAccepted, ReferenceNumber: parsed.ReferenceNumber, Response: string(raw)}, nil

	default:
		return nil, rejection(parsed, raw, resp.StatusCode)
	}
}

func deniedStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func rejection(parsed submissionResponse, raw []byte, code int) error {
	details := map[string]any{
		"http_status": code,
		"response":    string(raw),
	}
	if parsed.Status != "" {
		details["authority_status"] = parsed.Status
	}
	if len(parsed.Errors) > 0 {
		details["validation_errors"] = parsed.Errors
	}

	reason := fmt.Sprintf("document rejected by authority (HTTP %d)", code)
	var err error
	if len(parsed.Errors) > 0 {
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			msgs = append(msgs, fmt.Sprintf("%s %s: %s", e.Code, e.Field, strings.TrimSpace(e.Message)))
		}
		err = errors.New(strings.Join(msgs, "; "))
	}
	return &core.PermanentError{Reason: reason, Details: details, Err: err}
}
