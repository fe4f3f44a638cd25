package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gp-session-sync/internal/config"
	"gp-session-sync/internal/models"
)

func newIdentity(t *testing.T, h http.HandlerFunc) (*IdentityClient, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewIdentityClient(config.IdentityConfig{
		Username: "ers-admin",
		Password: "secret",
		Timeout:  2 * time.Second,
		PageSize: 2,
	}, testRetry, zap.NewNop())
	return c, srv.URL
}

func jsonReply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestAuthHeader(t *testing.T) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("u:p"))
	assert.Equal(t, want, AuthHeader("", "u", "p"))
	assert.Equal(t, "Basic abc", AuthHeader("abc", "u", "p"))
	assert.Equal(t, "Basic abc", AuthHeader("Basic abc", "", ""))
}

func TestListUsersFollowsNextPage(t *testing.T) {
	var seen captured
	c, endpoint := newIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		seen.record(r, nil)
		if r.URL.Query().Get("page") == "2" {
			jsonReply(http.StatusOK, `{"SearchResult":{"total":3,"resources":[{"id":"3","name":"carol"}]}}`)(w, r)
			return
		}
		// The href names another host; only its path and query are followed.
		jsonReply(http.StatusOK, `{"SearchResult":{"total":3,"resources":[{"id":"1","name":"alice"},{"id":"2","name":"bob"}],
			"nextPage":{"href":"https://ise-b.example.com:9060/ers/config/internaluser?size=2&page=2"}}}`)(w, r)
	})
	ctx := context.Background()

	first, next, err := c.ListUsers(ctx, endpoint, "")
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "alice", first[0].Name)
	assert.Equal(t, "1", first[0].ID)
	assert.NotEmpty(t, next)

	header, query := seen.get()
	assert.Equal(t, "2", query.Get("size"))
	assert.Equal(t, "1", query.Get("page"))
	assert.Equal(t, AuthHeader("", "ers-admin", "secret"), header.Get("Authorization"))
	assert.Equal(t, "application/json", header.Get("Accept"))

	second, next, err := c.ListUsers(ctx, endpoint, next)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "carol", second[0].Name)
	assert.Empty(t, next)
}

func TestListUsersMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>maintenance</html>`},
		{"missing search result", `{"Other":{}}`},
		{"resource without id", `{"SearchResult":{"resources":[{"name":"alice"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, endpoint := newIdentity(t, jsonReply(http.StatusOK, tt.body))
			_, _, err := c.ListUsers(context.Background(), endpoint, "")
			assert.ErrorIs(t, err, models.ErrMalformedPayload)
		})
	}
}

func TestGetUser(t *testing.T) {
	var seen captured
	c, endpoint := newIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		seen.record(r, nil)
		jsonReply(http.StatusOK, `{"InternalUser":{"id":"u-1","name":"Alice","customAttributes":{
			"PaloAlto-Client-Hostname":"H1","PaloAlto-Client-Version":"6.1.0","Department":"Sales"}}}`)(w, r)
	})

	rec, err := c.GetUser(context.Background(), endpoint, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec.Name)
	assert.Equal(t, "H1", rec.Attributes().Hostname)
	assert.True(t, rec.Connected())
	assert.Equal(t, "Sales", rec.CustomAttributes["Department"])
	assert.True(t, rec.FetchedAt.IsZero())

	method, path, _ := seen.details()
	assert.Equal(t, http.MethodGet, method)
	assert.Equal(t, internalUserPath+"/u-1", path)
}

func TestGetUserStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   error
		calls  int32
	}{
		{"not found", http.StatusNotFound, models.ErrUserNotFound, 1},
		{"unauthorized", http.StatusUnauthorized, models.ErrUnauthorized, 1},
		{"bad request", http.StatusBadRequest, models.ErrRemoteRejected, 1},
		{"server error", http.StatusInternalServerError, models.ErrSourceUnreachable, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, endpoint := newIdentity(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				jsonReply(tt.status, `{}`)(w, r)
			})
			_, err := c.GetUser(context.Background(), endpoint, "u-1")
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.calls, calls.Load())

			var re *models.RemoteError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.status, re.StatusCode)
			assert.Equal(t, "identity.get_user", re.Op)
		})
	}
}

func TestPutUserSendsFullAttributeSet(t *testing.T) {
	var seen captured
	c, endpoint := newIdentity(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen.record(r, body)
		jsonReply(http.StatusOK, `{"UpdatedFieldsList":{}}`)(w, r)
	})

	rec := models.IdentityRecord{ID: "u-1", Name: "alice"}
	attrs := map[string]string{models.AttrHostname: "H1", "Department": "Sales"}
	require.NoError(t, c.PutUser(context.Background(), endpoint, rec, attrs))

	method, path, body := seen.details()
	header, _ := seen.get()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, internalUserPath+"/u-1", path)
	assert.Equal(t, "application/json", header.Get("Content-Type"))

	var sent ersUserEnvelope
	require.NoError(t, json.Unmarshal(body, &sent))
	require.NotNil(t, sent.InternalUser)
	assert.Equal(t, "u-1", sent.InternalUser.ID)
	assert.Equal(t, "alice", sent.InternalUser.Name)
	assert.Equal(t, attrs, sent.InternalUser.CustomAttributes)
}

func TestProberClassifiesPrimaryAdmin(t *testing.T) {
	nodes := func(self, peer string) string {
		return fmt.Sprintf(`{"response":[
			{"hostname":"ise-a","ipAddress":%q,"roles":[%q],"nodeStatus":"Connected"},
			{"hostname":"ise-b","ipAddress":%q,"roles":["SecondaryAdmin"],"nodeStatus":"Connected"}]}`,
			self, models.RolePrimaryAdmin, peer)
	}

	c, endpoint := newIdentity(t, jsonReply(http.StatusOK, nodes("127.0.0.1", "10.0.0.2")))
	role, err := c.Prober(endpoint, "10.0.0.2")(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Equal(t, models.HARoleSelfActive, role)

	c, endpoint = newIdentity(t, jsonReply(http.StatusOK, nodes("10.0.0.2", "127.0.0.1")))
	role, err = c.Prober(endpoint, "10.0.0.2")(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Equal(t, models.HARolePeerActive, role)

	c, endpoint = newIdentity(t, jsonReply(http.StatusOK, `{"response":[]}`))
	role, err = c.Prober(endpoint, "10.0.0.2")(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Equal(t, models.HARoleUnknown, role)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "ise.example.com", hostOf("https://ise.example.com:9060"))
	assert.Equal(t, "10.0.0.1", hostOf("10.0.0.1:9060"))
	assert.Equal(t, "ise.example.com", hostOf("ise.example.com"))
}
