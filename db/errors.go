package db

import (
	"strings"

	"github.com/teranos/cradle/errors"
)

// ErrDatabaseClosed is returned when operations run after shutdown closed the
// connection, typically a late bridge poll or ticker push.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string fallback covers raw driver errors that cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
