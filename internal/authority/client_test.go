package authority

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/logger"
)

func testSubmission() Submission {
	return Submission{
		TenantID:       "tenant-1",
		DocumentID:     "INV-2026-0042",
		DocumentType:   "invoice",
		Document:       []byte(`{"total":"121.00","currency":"EUR"}`),
		IdempotencyKey: "invoice:INV-2026-0042",
	}
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestSubmit_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/submissions", r.URL.Path)
		assert.Equal(t, "invoice:INV-2026-0042", r.Header.Get("Idempotency-Key"))

		var req submissionRequest
		require.NoError(t, xml.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "INV-2026-0042", req.DocumentID)
		assert.JSONEq(t, `{"total":"121.00","currency":"EUR"}`, req.Document.Text)

		respond(http.StatusOK, `<SubmissionResponse><Status>ACCEPTED</Status><ReferenceNumber>AT-998877</ReferenceNumber></SubmissionResponse>`)(w, r)
	}))
	defer srv.Close()

	c := NewClientWithHTTP(srv.URL+"/", srv.Client(), logger.Discard())
	receipt, err := c.Submit(context.Background(), testSubmission())
	require.NoError(t, err)
	assert.Equal(t, "AT-998877", receipt.ReferenceNumber)
	assert.Equal(t, StatusAccepted, receipt.Status)
	assert.Contains(t, receipt.Response, "AT-998877")
}

func TestSubmit_Classification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantTerminal bool
		wantDenied   bool
		wantErrors   int
	}{
		{
			name:   "rejected with validation errors",
			status: http.StatusOK,
			body: `<SubmissionResponse><Status>REJECTED</Status><Errors>
				<Error code="E101" field="buyer.vat_id">invalid VAT number</Error>
				<Error code="E204" field="lines[0].tax_rate">unknown rate</Error>
			</Errors></SubmissionResponse>`,
			wantTerminal: true,
			wantErrors:   2,
		},
		{
			name:         "unprocessable",
			status:       http.StatusUnprocessableEntity,
			body:         `<SubmissionResponse><Status>REJECTED</Status><Errors><Error code="E001">schema</Error></Errors></SubmissionResponse>`,
			wantTerminal: true,
			wantErrors:   1,
		},
		{name: "bad request without body", status: http.StatusBadRequest, wantTerminal: true},
		{name: "service unavailable", status: http.StatusServiceUnavailable, body: "maintenance"},
		{name: "internal error", status: http.StatusInternalServerError},
		{name: "rate limited", status: http.StatusTooManyRequests},
		{name: "request timeout", status: http.StatusRequestTimeout},
		{name: "credentials rejected", status: http.StatusUnauthorized, wantDenied: true},
		{name: "access forbidden", status: http.StatusForbidden, body: "<Error>forbidden</Error>", wantDenied: true},
		{name: "garbled success", status: http.StatusOK, body: "<html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(respond(tt.status, tt.body))
			defer srv.Close()

			c := NewClientWithHTTP(srv.URL, srv.Client(), logger.Discard())
			_, err := c.Submit(context.Background(), testSubmission())
			require.Error(t, err)
			assert.Equal(t, tt.wantTerminal, core.IsTerminal(err))
			assert.Equal(t, tt.wantDenied, errors.Is(err, core.ErrAccessDenied))

			if tt.wantErrors > 0 {
				details := core.FailureDetails(err)
				errs, ok := details["validation_errors"].([]ValidationError)
				require.True(t, ok)
				assert.Len(t, errs, tt.wantErrors)
				assert.Equal(t, tt.status, details["http_status"])
			}
		})
	}
}

func TestSubmit_ConflictWithReferenceIsAccepted(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusConflict,
		`<SubmissionResponse><Status>ACCEPTED</Status><ReferenceNumber>AT-1</ReferenceNumber></SubmissionResponse>`))
	defer srv.Close()

	c := NewClientWithHTTP(srv.URL, srv.Client(), logger.Discard())
	receipt, err := c.Submit(context.Background(), testSubmission())
	require.NoError(t, err)
	assert.Equal(t, "AT-1", receipt.ReferenceNumber)
}

func TestSubmit_NetworkFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusOK, ""))
	url := srv.URL
	srv.Close()

	c := NewClientWithHTTP(url, &http.Client{}, logger.Discard())
	_, err := c.Submit(context.Background(), testSubmission())
	require.Error(t, err)
	assert.False(t, core.IsTerminal(err))
}

func TestNewClient_UsesClientCredentials(t *testing.T) {
	var tokenCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/submissions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		respond(http.StatusOK, `<SubmissionResponse><Status>ACCEPTED</Status><ReferenceNumber>AT-2</ReferenceNumber></SubmissionResponse>`)(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(context.Background(), config.AuthorityConfig{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "relay",
		ClientSecret: "s3cret",
	}, logger.Discard())

	for range 2 {
		_, err := c.Submit(context.Background(), testSubmission())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, tokenCalls)
}
