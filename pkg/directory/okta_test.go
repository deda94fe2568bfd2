package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOktaConnectorLoadUsersAndGroups(t *testing.T) {
	mux := http.NewServeMux()
	var authHeader string
	mux.HandleFunc("/api/v1/groups", func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		// the q parameter is a prefix match; return a near-miss too
		fmt.Fprint(w, `[
			{"id": "g-eng", "profile": {"name": "Engineering"}},
			{"id": "g-eng2", "profile": {"name": "Engineering-Contractors"}}
		]`)
	})
	mux.HandleFunc("/api/v1/groups/g-eng/users", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/api/v1/groups/g-eng/users?after=1&limit=200>; rel="next"`, r.Host))
			fmt.Fprint(w, `[{"id": "u-1", "profile": {"email": "alice@example.com", "firstName": "Alice", "lastName": "Adams"}}]`)
			return
		}
		fmt.Fprint(w, `[{"id": "u-2", "profile": {"email": "bob@example.com", "firstName": "Bob", "lastName": "Brown"}}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, err := NewOktaConnector(OktaConfig{OrgURL: srv.URL, APIToken: "tok", RetryCount: 1}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "okta", conn.Name())

	users, err := conn.LoadUsersAndGroups(context.Background(), []string{"Engineering"}, false)
	require.NoError(t, err)

	require.Len(t, users, 2)
	assert.Equal(t, "alice@example.com", users[0].Email)
	assert.Equal(t, []string{"Engineering"}, users[0].Groups)
	assert.Equal(t, "bob@example.com", users[1].Email)
	assert.Equal(t, "SSWS tok", authHeader)
}

func TestOktaConnectorUnknownGroupSkipped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/groups", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, err := NewOktaConnector(OktaConfig{OrgURL: srv.URL, APIToken: "tok", RetryCount: 1}, testLogger())
	require.NoError(t, err)

	users, err := conn.LoadUsersAndGroups(context.Background(), []string{"Ghost"}, false)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestOktaConnectorRequiresGroups(t *testing.T) {
	conn, err := NewOktaConnector(OktaConfig{OrgURL: "https://example.okta.com", APIToken: "tok"}, testLogger())
	require.NoError(t, err)

	_, err = conn.LoadUsersAndGroups(context.Background(), nil, true)
	assert.ErrorContains(t, err, "group mappings")
}

func TestOktaConnectorValidation(t *testing.T) {
	_, err := NewOktaConnector(OktaConfig{}, testLogger())
	assert.Error(t, err)
}

func TestNextLink(t *testing.T) {
	h := http.Header{}
	h.Add("Link", `<https://example.okta.com/api/v1/groups?limit=200>; rel="self"`)
	h.Add("Link", `<https://example.okta.com/api/v1/groups?after=abc&limit=200>; rel="next"`)
	assert.Equal(t, "https://example.okta.com/api/v1/groups?after=abc&limit=200", nextLink(h))

	assert.Equal(t, "", nextLink(http.Header{}))
}
