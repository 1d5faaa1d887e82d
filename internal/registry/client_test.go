package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"affiliation/internal/platform/config"
	dErrors "affiliation/pkg/domain-errors"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.RegistryConfig{
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 2,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(cfg, srv.URL, logger), srv
}

func TestValidateRegistered(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apis/validateCitizen/6787452390", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("citizen registered at Operator One"))
	}))

	result, err := client.Validate(context.Background(), "6787452390")
	require.NoError(t, err)
	assert.True(t, result.Registered)
	assert.Contains(t, result.Detail, "Operator One")
}

func TestValidateUnknownCitizen(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	result, err := client.Validate(context.Background(), "123")
	require.NoError(t, err)
	assert.False(t, result.Registered)
}

func TestValidateServerErrorIsUnavailable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.Validate(context.Background(), "123")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func TestRegisterReturnsStatusCode(t *testing.T) {
	var seen map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apis/registerCitizen", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		w.WriteHeader(http.StatusCreated)
	}))

	status, err := client.Register(context.Background(), "6787452390", "Ada Lopez", "Cra 1 #2-3", "ada@example.com", "op-200", "Operator Two")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "6787452390", seen["id"])
	assert.Equal(t, "op-200", seen["operatorId"])
	assert.Equal(t, "Operator Two", seen["operatorName"])
}

func TestRegisterDuplicatePassesThrough(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	}))

	status, err := client.Register(context.Background(), "123", "Name", "", "n@example.com", "op-200", "Operator Two")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, status)
}

func TestListOperators(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apis/getOperators", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]Operator{
			{ID: "op-100", Name: "Operator One", TransferAPIURL: "https://one.example.com/transfer"},
			{ID: "op-200", Name: "Operator Two", TransferAPIURL: "https://two.example.com/transfer"},
		})
	}))

	operators, err := client.ListOperators(context.Background())
	require.NoError(t, err)
	require.Len(t, operators, 2)
	assert.Equal(t, "Operator One", operators[0].Name)
	assert.Equal(t, "https://two.example.com/transfer", operators[1].TransferAPIURL)
}

func TestConfirmTransferPayload(t *testing.T) {
	var seen map[string]any
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		w.WriteHeader(http.StatusOK)
	}))

	err := client.ConfirmTransfer(context.Background(), srv.URL+"/confirm", "6787452390", true)
	require.NoError(t, err)
	assert.Equal(t, "6787452390", seen["id"])
	assert.Equal(t, float64(1), seen["req_status"])

	err = client.ConfirmTransfer(context.Background(), srv.URL+"/confirm", "6787452390", false)
	require.NoError(t, err)
	assert.Equal(t, float64(0), seen["req_status"])
}

func TestSendTransferReportsCounterpartStatus(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req TransferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "6787452390", req.CitizenID)
		assert.NotEmpty(t, req.ConfirmAPI)
		w.WriteHeader(http.StatusAccepted)
	}))

	status, err := client.SendTransfer(context.Background(), srv.URL+"/receive", TransferRequest{
		CitizenID:    "6787452390",
		CitizenName:  "Ada Lopez",
		CitizenEmail: "ada@example.com",
		URLDocuments: map[string][]string{"cedula": {"https://docs.example.com/1"}},
		ConfirmAPI:   "https://two.example.com/confirm",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
}

func TestGetDocumentsMissingBundleIsEmpty(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	urls, err := client.GetDocuments(context.Background(), "123")
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestTransportFailureRetriesThenUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Drop the connection so the client sees a transport error.
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	cfg := config.RegistryConfig{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 3}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewClient(cfg, srv.URL, logger)

	_, err := client.Validate(context.Background(), "123")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
	assert.Equal(t, int32(3), calls.Load())
}
