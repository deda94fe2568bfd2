package directory

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/platinummonkey/signsync/pkg/observability"
)

// CSVConnector reads users from a CSV file with a header row. Recognized
// columns are firstname, lastname, email, and groups; groups is a
// comma-separated list inside the field. Unknown columns are ignored, so a
// full HR export works unmodified.
type CSVConnector struct {
	path   string
	logger *observability.Logger
}

// NewCSVConnector creates a CSV connector for the given file path
func NewCSVConnector(path string, logger *observability.Logger) *CSVConnector {
	return &CSVConnector{
		path:   path,
		logger: logger.WithField("connector", "csv"),
	}
}

func (c *CSVConnector) Name() string { return "csv" }

func (c *CSVConnector) LoadUsersAndGroups(ctx context.Context, groups []string, allUsers bool) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open user file: %w", err)
	}
	defer f.Close()

	users, err := parseUserCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user file %q: %w", c.path, err)
	}
	c.logger.Infof("Loaded %d users from %s", len(users), c.path)
	return users, nil
}

func parseUserCSV(r io.Reader) ([]*User, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["email"]; !ok {
		return nil, fmt.Errorf("missing required column %q", "email")
	}

	field := func(record []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var users []*User
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("bad record on line %d: %w", line, err)
		}
		u := &User{
			Email:     field(record, "email"),
			FirstName: field(record, "firstname"),
			LastName:  field(record, "lastname"),
		}
		for _, g := range strings.Split(field(record, "groups"), ",") {
			if g = strings.TrimSpace(g); g != "" {
				u.Groups = append(u.Groups, g)
			}
		}
		users = append(users, u)
	}
	return users, nil
}
