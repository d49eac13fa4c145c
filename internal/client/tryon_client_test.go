package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tccmarket/api/internal/config"
	"github.com/tccmarket/api/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *TryOnClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewTryOnClient(&config.TryOnConfig{
		APIKey:    "test-key",
		BaseURL:   srv.URL,
		ModelName: "tryon-v1.6",
	})
}

func TestCheckCredits(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/credits", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		io.WriteString(w, `{"credits":{"total":5,"subscription":3,"on_demand":2}}`)
	})

	bal, err := c.CheckCredits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &model.CreditBalance{Total: 5, Subscription: 3, OnDemand: 2}, bal)
}

func TestCheckCreditsUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"invalid api key"}`)
	})

	_, err := c.CheckCredits(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestSubmitSendsDataURIAndModelReference(t *testing.T) {
	var got runRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/run", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"id":"job-1","error":null}`)
	})

	id, err := c.Submit(context.Background(), model.ImagePayload{Data: []byte("abc"), ContentType: "image/png"}, "https://ref/female.jpg")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	assert.Equal(t, "tryon-v1.6", got.ModelName)
	assert.Equal(t, "https://ref/female.jpg", got.Inputs.ModelImage)
	assert.Equal(t, "data:image/png;base64,YWJj", got.Inputs.GarmentImage)
}

func TestSubmitClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"bad request", http.StatusBadRequest, `{"error":"bad image"}`, ErrRejected},
		{"unprocessable", http.StatusUnprocessableEntity, `{}`, ErrRejected},
		{"forbidden", http.StatusForbidden, `{}`, ErrUnauthorized},
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrUnavailable},
		{"server error", http.StatusBadGateway, `oops`, ErrUnavailable},
		{"error on 200", http.StatusOK, `{"id":"","error":{"name":"ImageLoadError","message":"cannot read"}}`, ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := c.Submit(context.Background(), model.ImagePayload{Data: []byte("x"), ContentType: "image/jpeg"}, "ref")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubmitEmptyPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.Submit(context.Background(), model.ImagePayload{}, "ref")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestGetStatusMapping(t *testing.T) {
	tests := []struct {
		body       string
		wantStatus model.TransformStatus
		wantURL    string
		wantErr    string
	}{
		{`{"id":"j","status":"starting"}`, model.TransformQueued, "", ""},
		{`{"id":"j","status":"in_queue"}`, model.TransformQueued, "", ""},
		{`{"id":"j","status":"processing"}`, model.TransformRunning, "", ""},
		{`{"id":"j","status":"completed","output":["https://x/out.jpg"]}`, model.TransformCompleted, "https://x/out.jpg", ""},
		{`{"id":"j","status":"completed","output":[]}`, model.TransformCompleted, "", ""},
		{`{"id":"j","status":"failed","error":{"name":"PoseError","message":"bad garment image"}}`, model.TransformFailed, "", "PoseError: bad garment image"},
		{`{"id":"j","status":"failed","error":"bad garment image"}`, model.TransformFailed, "", "bad garment image"},
		{`{"id":"j","status":"exploded"}`, model.TransformUnknown, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.True(t, strings.HasPrefix(r.URL.Path, "/v1/status/"))
				io.WriteString(w, tt.body)
			})
			job, err := c.GetStatus(context.Background(), "j")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, tt.wantURL, job.ResultURL)
			assert.Equal(t, tt.wantErr, job.Error)
			assert.Equal(t, "j", job.ExternalID)
		})
	}
}

func TestGetStatusServerErrorIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.GetStatus(context.Background(), "j")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTransportErrorKeepsContextCause(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetStatus(ctx, "j")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}
