package dns

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdomaind/internal/config"
	"subdomaind/internal/provider"
)

func newTestCloudflare(t *testing.T, h http.HandlerFunc) *CloudflareProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewCloudflareProvider(config.CloudflareConfig{
		APIToken: "token",
		ZoneID:   "zone1",
		BaseURL:  srv.URL,
	}, "example.com")
}

func writeCF(w http.ResponseWriter, status int, success bool, result any, errs ...cfError) {
	raw, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(cfResponse{Success: success, Errors: errs, Result: raw})
}

func TestCloudflareCreateRecord(t *testing.T) {
	var got map[string]any
	p := newTestCloudflare(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/zones/zone1/dns_records", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCF(w, http.StatusOK, true, cfRecord{ID: "rec-123"})
	})

	ref, err := p.CreateRecord(context.Background(), "acme", "lb.platform.net")
	require.NoError(t, err)
	assert.Equal(t, "rec-123", ref)
	assert.Equal(t, "CNAME", got["type"])
	assert.Equal(t, "acme.example.com", got["name"])
	assert.Equal(t, "lb.platform.net", got["content"])
	assert.Equal(t, false, got["proxied"])
}

func TestCloudflareBadRequestIsTerminal(t *testing.T) {
	p := newTestCloudflare(t, func(w http.ResponseWriter, r *http.Request) {
		writeCF(w, http.StatusBadRequest, false, nil, cfError{Code: 81057, Message: "record already exists"})
	})

	_, err := p.CreateRecord(context.Background(), "acme", "lb.platform.net")
	require.Error(t, err)
	assert.True(t, provider.IsTerminal(err))
	assert.NotContains(t, provider.PublicMessage(err), "81057")
}

func TestCloudflareServerErrorIsTransient(t *testing.T) {
	p := newTestCloudflare(t, func(w http.ResponseWriter, r *http.Request) {
		writeCF(w, http.StatusServiceUnavailable, false, nil)
	})

	_, err := p.CreateRecord(context.Background(), "acme", "lb.platform.net")
	require.Error(t, err)
	assert.False(t, provider.IsTerminal(err))
}

func TestCloudflareRateLimitIsTransient(t *testing.T) {
	p := newTestCloudflare(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	})

	_, err := p.CreateRecord(context.Background(), "acme", "lb.platform.net")
	require.Error(t, err)
	assert.False(t, provider.IsTerminal(err))
}

func TestCloudflareDeleteNotFoundIsSuccess(t *testing.T) {
	p := newTestCloudflare(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/zones/zone1/dns_records/rec-123", r.URL.Path)
		writeCF(w, http.StatusNotFound, false, nil, cfError{Code: 81044, Message: "Record does not exist."})
	})

	assert.NoError(t, p.DeleteRecord(context.Background(), "rec-123"))
}

func TestCloudflareFindRecord(t *testing.T) {
	p := newTestCloudflare(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme.example.com", r.URL.Query().Get("name"))
		writeCF(w, http.StatusOK, true, []cfRecord{
			{ID: "txt-1", Type: "TXT", Content: "token"},
			{ID: "rec-9", Type: "CNAME", Content: "lb.platform.net"},
		})
	})

	ref, found, err := p.FindRecord(context.Background(), "acme", "lb.platform.net")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "rec-9", ref)
}

func TestCloudflareFindRecordRejectsForeignValue(t *testing.T) {
	p := newTestCloudflare(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		writeCF(w, http.StatusOK, true, []cfRecord{
			{ID: "rec-1", Type: "A", Content: "198.51.100.4"},
		})
	})

	_, found, err := p.FindRecord(context.Background(), "blog", "lb.platform.net")
	require.Error(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, err, provider.ErrRecordConflict)
	assert.True(t, provider.IsTerminal(err))

	_, found, err = p.FindRecord(context.Background(), "blog", "198.51.100.4")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCloudflareChallengeRecords(t *testing.T) {
	var deleted []string
	p := newTestCloudflare(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			writeCF(w, http.StatusOK, true, cfRecord{ID: "txt-1"})
		case http.MethodGet:
			assert.Equal(t, "TXT", r.URL.Query().Get("type"))
			writeCF(w, http.StatusOK, true, []cfRecord{
				{ID: "txt-1", Type: "TXT", Content: `"token-a"`},
				{ID: "txt-2", Type: "TXT", Content: "token-b"},
			})
		case http.MethodDelete:
			deleted = append(deleted, r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
			writeCF(w, http.StatusOK, true, cfRecord{ID: "txt-1"})
		}
	})

	ctx := context.Background()
	require.NoError(t, p.CreateTXT(ctx, "_acme-challenge.acme.example.com.", "token-a"))
	require.NoError(t, p.DeleteTXT(ctx, "_acme-challenge.acme.example.com.", "token-a"))
	assert.Equal(t, []string{"txt-1"}, deleted)
}
