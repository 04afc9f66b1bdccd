package fleetwatchsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/v1/archive":
			gotQuery = r.URL.RawQuery
			json.NewEncoder(w).Encode(ArchivePage{Items: []ArchiveRecord{{ID: "a-1", EquipmentID: "EQ-42"}}, Total: 1, Page: 2, Limit: 10})
		case "/v1/archive/launch/EQ-42":
			json.NewDecoder(r.Body).Decode(&gotBody)
			json.NewEncoder(w).Encode(ArchiveRecord{ID: "a-2", EquipmentID: "EQ-42", ArchiveReason: "completed"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	page, err := c.Archive(context.Background(), ArchiveQuery{Page: 2, Limit: 10, EquipmentType: "Экскаватор"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Contains(t, gotQuery, "page=2")
	assert.Contains(t, gotQuery, "equipment_type=")
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Items, 1)

	rec, err := c.Launch(context.Background(), "EQ-42", "completed")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.ArchiveReason)
	assert.Equal(t, "completed", gotBody["completion_reason"])
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"invalid_state","message":"EQ-1 is Down"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Launch(context.Background(), "EQ-1", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_state", apiErr.Code)
	assert.Equal(t, "EQ-1 is Down", apiErr.Message)
}
