package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildExportPath returns the object key for an exported query result,
// partitioned by date for retention sweeps.
func BuildExportPath(queryID, format string, at time.Time) (string, error) {
	if err := validatePathComponent(queryID, "query id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(format, "format"); err != nil {
		return "", err
	}
	ts := at.UTC()
	return path.Join(
		"exports",
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("query-%s.%s", queryID, format),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
