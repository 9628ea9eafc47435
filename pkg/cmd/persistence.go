package cmd

import (
	"strings"

	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/persistence/file"
)

// NewPersistence selects a persistence backend from the database URL scheme.
// Anything without a recognized scheme is treated as a filesystem path.
func NewPersistence(databaseURL string) persistence.Persistence {
	switch parseScheme(databaseURL) {
	case "file":
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	default:
		return file.NewPersistence(databaseURL)
	}
}

func parseScheme(databaseURL string) string {
	parts := strings.SplitN(databaseURL, "://", 2)
	if len(parts) < 2 {
		return ""
	}

	return parts[0]
}
