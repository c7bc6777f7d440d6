package testutil

import (
	"net"
	"testing"
)

// SetupRedis starts a Redis server for the duration of t and returns its address.
func SetupRedis(t *testing.T) string {
	t.Helper()
	host, port := startContainer(t, "redis:7-alpine", "6379", nil)
	return net.JoinHostPort(host, port)
}
