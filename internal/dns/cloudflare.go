package dns

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

	"subdomaind/internal/config"
	"subdomaind/internal/provider"
)

const (
	CloudflareName = "cloudflare"

	cloudflareAPI = "https://api.cloudflare.com/client/v4"
)

// CloudflareProvider manages tenant records in a single Cloudflare zone.
// Refs are Cloudflare record IDs.
type CloudflareProvider struct {
	apiToken   string
	zoneID     string
	rootDomain string
	ttl        int
	baseURL    string
	client     *http.Client
}

func NewCloudflareProvider(cfg config.CloudflareConfig, rootDomain string) *CloudflareProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = cloudflareAPI
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 1 // 1 = auto
	}
	return &CloudflareProvider{
		apiToken:   cfg.APIToken,
		zoneID:     cfg.ZoneID,
		rootDomain: strings.TrimSuffix(rootDomain, "."),
		ttl:        ttl,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *CloudflareProvider) Name() string {
	return CloudflareName
}

type cfResponse struct {
	Success  bool            `json:"success"`
	Errors   []cfError       `json:"errors"`
	Messages []any           `json:"messages"`
	Result   json.RawMessage `json:"result"`
}

type cfError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cfRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

func (p *CloudflareProvider) doRequest(ctx context.Context, op, method, path string, body any) (*cfResponse, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+p.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if provider.IsCanceled(err) {
			return nil, err
		}
		return nil, provider.Transient(CloudflareName, op, 0, "", err)
	}
	defer resp.Body.Close()

	var result cfResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if resp.StatusCode >= 300 {
			return nil, provider.FromStatus(CloudflareName, op, resp.StatusCode, "", err)
		}
		return nil, provider.Transient(CloudflareName, op, resp.StatusCode, "", fmt.Errorf("failed to decode response: %w", err))
	}

	if !result.Success || resp.StatusCode >= 300 {
		raw := fmt.Errorf("cloudflare request failed")
		if len(result.Errors) > 0 {
			raw = fmt.Errorf("cloudflare error [%d]: %s", result.Errors[0].Code, result.Errors[0].Message)
		}
		status := resp.StatusCode
		if status < 300 {
			status = http.StatusBadRequest
		}
		return nil, provider.FromStatus(CloudflareName, op, status, "", raw)
	}

	return &result, nil
}

func (p *CloudflareProvider) CreateRecord(ctx context.Context, label, target string) (string, error) {
	rrType, value := recordFor(target)
	body := map[string]any{
		"type":    string(rrType),
		"name":    label + "." + p.rootDomain,
		"content": undotted(value),
		"ttl":     p.ttl,
		"proxied": false,
	}

	result, err := p.doRequest(ctx, "create record", http.MethodPost, "/zones/"+p.zoneID+"/dns_records", body)
	if err != nil {
		return "", err
	}

	var created cfRecord
	if err := json.Unmarshal(result.Result, &created); err != nil {
		return "", fmt.Errorf("failed to parse created record: %w", err)
	}
	if created.ID == "" {
		return "", provider.Transient(CloudflareName, "create record", 0, "", fmt.Errorf("created record has no id"))
	}
	return created.ID, nil
}

func (p *CloudflareProvider) DeleteRecord(ctx context.Context, ref string) error {
	_, err := p.doRequest(ctx, "delete record", http.MethodDelete, "/zones/"+p.zoneID+"/dns_records/"+ref, nil)
	var pe *provider.Error
	if asProviderError(err, &pe) && pe.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (p *CloudflareProvider) FindRecord(ctx context.Context, label, target string) (string, bool, error) {
	name := label + "." + p.rootDomain
	records, err := p.list(ctx, "find record", name, "")
	if err != nil {
		return "", false, err
	}
	wantType, wantValue := recordFor(target)
	for _, r := range records {
		switch r.Type {
		case "CNAME", "A", "AAAA":
			if r.Type != string(wantType) || !sameValue(r.Content, wantValue) {
				return "", false, provider.RecordConflict(CloudflareName, name, r.Type+" "+r.Content)
			}
			return r.ID, true, nil
		}
	}
	return "", false, nil
}

func (p *CloudflareProvider) CreateTXT(ctx context.Context, name, value string) error {
	body := map[string]any{
		"type":    "TXT",
		"name":    undotted(name),
		"content": value,
		"ttl":     120,
	}
	_, err := p.doRequest(ctx, "create challenge", http.MethodPost, "/zones/"+p.zoneID+"/dns_records", body)
	return err
}

func (p *CloudflareProvider) DeleteTXT(ctx context.Context, name, value string) error {
	records, err := p.list(ctx, "delete challenge", undotted(name), "TXT")
	if err != nil {
		return err
	}
	for _, r := range records {
		if strings.Trim(r.Content, `"`) != value {
			continue
		}
		if err := p.DeleteRecord(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *CloudflareProvider) list(ctx context.Context, op, name, rrType string) ([]cfRecord, error) {
	q := url.Values{}
	q.Set("name", name)
	if rrType != "" {
		q.Set("type", rrType)
	}
	result, err := p.doRequest(ctx, op, http.MethodGet, "/zones/"+p.zoneID+"/dns_records?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var records []cfRecord
	if err := json.Unmarshal(result.Result, &records); err != nil {
		return nil, fmt.Errorf("failed to parse records: %w", err)
	}
	return records, nil
}
