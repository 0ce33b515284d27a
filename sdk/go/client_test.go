package caseflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionSendsCredentialsAndDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/cases/C%201/transitions", r.URL.EscapedPath())
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "Reviewer", r.Header.Get("X-Acting-Role"))
		var body Transition
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Approve", body.Action)
		_ = json.NewEncoder(w).Encode(TransitionResult{From: "Under Review", To: "Approved", Action: body.Action})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key"
	c.ActingRole = "Reviewer"
	res, err := c.Transition(context.Background(), "C 1", Transition{Action: "Approve", Comment: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "Approved", res.To)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"stale_transition","message":"case moved","details":{"actual":"Allocated"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Transition(context.Background(), "C1", Transition{Action: "Allocate"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "stale_transition", apiErr.Code)
	assert.Equal(t, "Allocated", apiErr.Details["actual"])
}
