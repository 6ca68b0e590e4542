package downloader

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// GenerateInstanceID returns a string identifying this process (hostname+pid).
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}

	return host + "-" + strconv.Itoa(os.Getpid())
}

// claimToken is unique per attempt so a stale claim from an earlier attempt of
// the same process can never be mistaken for the current one.
func claimToken(instanceID string) string {
	return instanceID + "-" + uuid.NewString()
}
