package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/core"
)

const maxResourceBytes = 4 << 20

// ResourceFetcher reads a resource a webhook only referenced by id.
type ResourceFetcher interface {
	Fetch(ctx context.Context, tenantID, resourceType, resourceID string) (json.RawMessage, error)
}

// ProviderClient reads contacts and invoices from the accounting provider.
type ProviderClient struct {
	baseURL string
	http    *http.Client
}

// NewProviderClient builds a client authenticated with OAuth2 client credentials.
func NewProviderClient(ctx context.Context, cfg config.ProviderConfig) *ProviderClient {
	var hc *http.Client
	if cfg.ClientID == "" {
		hc = &http.Client{}
	} else {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		hc = cc.Client(ctx)
	}
	hc.Timeout = cfg.Timeout
	return NewProviderClientWithHTTP(cfg.BaseURL, hc)
}

// NewProviderClientWithHTTP uses the given HTTP client as is.
func NewProviderClientWithHTTP(baseURL string, hc *http.Client) *ProviderClient {
	return &ProviderClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// Fetch performs GET {base}/{type}s/{id}. 401 and 403 wrap
// core.ErrAccessDenied and are retried like 408, 429 and 5xx. Other client
// errors are permanent; the resource will not appear by asking again.
func (c *ProviderClient) Fetch(ctx context.Context, tenantID, resourceType, resourceID string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/%ss/%s", c.baseURL, url.PathEscape(resourceType), url.PathEscape(resourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, core.Permanent("invalid provider request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Tenant-Id", tenantID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: provider returned %s", core.ErrAccessDenied, resp.Status)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !json.Valid(body) {
			return nil, errors.New("provider returned invalid JSON")
		}
		return body, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("provider returned %s", resp.Status)
	default:
		return nil, &core.PermanentError{
			Reason:  fmt.Sprintf("provider refused %s %s", resourceType, resourceID),
			Details: map[string]any{"http_status": resp.StatusCode, "response": string(body)},
		}
	}
}

// Accounting syncs contacts and invoices. Accounting webhooks only carry
// resource ids, so the handler fetches the current resource before applying it.
type Accounting struct {
	provider ResourceFetcher
	sink     core.Sink
	logger   *slog.Logger
}

func NewAccounting(provider ResourceFetcher, sink core.Sink, logger *slog.Logger) *Accounting {
	return &Accounting{provider: provider, sink: sink, logger: logger}
}

func (h *Accounting) Handle(ctx context.Context, job *core.Job) (core.Result, error) {
	refs := resourceRefs(job)
	if len(refs) == 0 {
		return core.Ignored("delivery carries no events"), nil
	}

	var synced []string
	for _, ref := range refs {
		if ref.typ == "" {
			h.logger.Debug("skipping unsupported accounting event", "job_id", job.ID, "kind", ref.kind)
			continue
		}
		if ref.id == "" {
			return core.Result{}, core.Permanent(fmt.Sprintf("%s event has no resource id", ref.kind), nil)
		}
		// Every event re-reads the current resource, so repeating an already
		// applied one on retry writes the same state again.
		doc, err := h.provider.Fetch(ctx, job.TenantID, ref.typ, ref.id)
		if err != nil {
			return core.Result{}, fmt.Errorf("fetch %s %s: %w", ref.typ, ref.id, err)
		}
		if err := h.sink.Apply(ctx, eventFor(job, doc)); err != nil {
			return core.Result{}, fmt.Errorf("apply %s %s: %w", ref.typ, ref.id, err)
		}
		h.logger.Debug("accounting resource synced", "job_id", job.ID, "type", ref.typ, "id", ref.id)
		synced = append(synced, ref.typ+"/"+ref.id)
	}

	if len(synced) == 0 {
		return core.Ignored(fmt.Sprintf("unsupported event type %q", job.Kind)), nil
	}
	if len(synced) == 1 {
		typ, id, _ := strings.Cut(synced[0], "/")
		return core.Completed(map[string]any{"resource_type": typ, "resource_id": id}), nil
	}
	return core.Completed(map[string]any{"resources": synced}), nil
}

type resourceRef struct {
	kind string
	typ  string
	id   string
}

// resourceRefs lists the resources a job refers to: every element of an
// "events" batch, or the single event the payload itself describes.
func resourceRefs(job *core.Job) []resourceRef {
	ref := func(ev gjson.Result) resourceRef {
		kind := job.Kind
		if c := ev.Get("eventCategory"); c.Exists() {
			kind = c.String()
		}
		return resourceRef{kind: kind, typ: accountingResource(kind), id: ev.Get("resourceId").String()}
	}

	payload := gjson.ParseBytes(job.Payload)
	if events := payload.Get("events"); events.IsArray() {
		var refs []resourceRef
		events.ForEach(func(_, ev gjson.Result) bool {
			refs = append(refs, ref(ev))
			return true
		})
		return refs
	}
	return []resourceRef{ref(payload)}
}

// accountingResource maps "contact.updated", "CONTACT" and the like to the
// provider resource type, or "" for kinds the handler does not sync.
func accountingResource(kind string) string {
	category, _, _ := strings.Cut(strings.ToLower(kind), ".")
	switch category {
	case "contact", "invoice":
		return category
	default:
		return ""
	}
}
