package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/R3E-Network/vidledger/internal/errors"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in struct {
			Amount int64 `json:"amount"`
		}
		require.NoError(t, DecodeJSON(r, &in))
		WriteJSON(w, http.StatusOK, map[string]int64{"balance": in.Amount * 2})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL + "/", Token: "tok"})
	resp, err := c.Post(context.Background(), "/double", map[string]int64{"amount": 21})
	require.NoError(t, err)

	var out struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, DecodeResponse(resp, &out))
	assert.EqualValues(t, 42, out.Balance)
}

func TestDecodeResponseReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, apperrors.InsufficientFunds(3, 10))
	}))
	defer srv.Close()

	resp, err := NewClient(ClientConfig{BaseURL: srv.URL}).Get(context.Background(), "/")
	require.NoError(t, err)

	err = DecodeResponse(resp, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, string(apperrors.CodeInsufficientFunds), apiErr.Code)
	assert.EqualValues(t, 3, apiErr.Details["available"])
}

func TestWriteErrorHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apperrors.Internal("store failure", errors.New("pq: password authentication failed")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.Contains(t, rec.Body.String(), string(apperrors.CodeInternal))

	rec = httptest.NewRecorder()
	WriteError(rec, errors.New("plain"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "plain")
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":1,"extra":true}`))
	var in struct {
		Amount int64 `json:"amount"`
	}
	err := DecodeJSON(r, &in)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	r = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	assert.NoError(t, DecodeJSON(r, &in), "empty body is allowed")
}

func TestClientRetriesThrottledRequests(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			WriteError(w, apperrors.RateLimitExceeded(1, "1s"))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}))
	defer srv.Close()

	resp, err := NewClient(ClientConfig{BaseURL: srv.URL, MaxRetries: 1}).Get(context.Background(), "/")
	require.NoError(t, err)
	require.NoError(t, DecodeResponse(resp, nil))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
