package directory

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/signsync/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewConsoleLogger(observability.ErrorLevel, io.Discard)
}

func TestParseUserCSV(t *testing.T) {
	t.Run("full file", func(t *testing.T) {
		input := strings.NewReader(
			"firstname,lastname,email,country,groups\n" +
				"Alice,Adams,alice@example.com,US,\"Engineering, Legal\"\n" +
				"Bob,Brown,bob@example.com,DE,\n")
		users, err := parseUserCSV(input)
		require.NoError(t, err)
		require.Len(t, users, 2)

		assert.Equal(t, "alice@example.com", users[0].Email)
		assert.Equal(t, "Alice", users[0].FirstName)
		assert.Equal(t, []string{"Engineering", "Legal"}, users[0].Groups)
		assert.Empty(t, users[1].Groups)
	})

	t.Run("header case and order do not matter", func(t *testing.T) {
		input := strings.NewReader("Email,Groups\nx@example.com,Ops\n")
		users, err := parseUserCSV(input)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, []string{"Ops"}, users[0].Groups)
	})

	t.Run("missing email column", func(t *testing.T) {
		_, err := parseUserCSV(strings.NewReader("firstname,lastname\na,b\n"))
		assert.ErrorContains(t, err, "email")
	})

	t.Run("empty file", func(t *testing.T) {
		users, err := parseUserCSV(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, users)
	})

	t.Run("short records tolerated", func(t *testing.T) {
		users, err := parseUserCSV(strings.NewReader("email,groups\nx@example.com\n"))
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Empty(t, users[0].Groups)
	})
}

func TestCSVConnector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.csv")
	require.NoError(t, os.WriteFile(path, []byte("email,groups\na@example.com,Eng\n"), 0o600))

	conn := NewCSVConnector(path, testLogger())
	assert.Equal(t, "csv", conn.Name())

	users, err := conn.LoadUsersAndGroups(context.Background(), nil, true)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "a@example.com", users[0].Email)

	t.Run("missing file", func(t *testing.T) {
		conn := NewCSVConnector(filepath.Join(t.TempDir(), "nope.csv"), testLogger())
		_, err := conn.LoadUsersAndGroups(context.Background(), nil, true)
		assert.Error(t, err)
	})
}

func TestUserKeyAndGroups(t *testing.T) {
	u := &User{Email: "  Mixed.Case@Example.COM ", Groups: []string{"Eng"}}
	assert.Equal(t, "mixed.case@example.com", u.Key())

	assert.True(t, u.InAnyGroup(nil))
	assert.True(t, u.InAnyGroup(map[string]bool{"Eng": true}))
	assert.False(t, u.InAnyGroup(map[string]bool{"Sales": true}))
}
