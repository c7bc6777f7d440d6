package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 60 * time.Second

// startContainer runs image for the duration of t and returns the host and mapped port that
// reach port inside it. Integration tests are skipped in short mode or without a container runtime.
func startContainer(t *testing.T, image, port string, env map[string]string) (string, string) {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in short mode", image)
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{port + "/tcp"},
			Env:          env,
			WaitingFor:   wait.ForListeningPort(nat.Port(port + "/tcp")).WithStartupTimeout(startupTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("%s container unavailable: %v", image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("Failed to terminate %s container: %v", image, err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to resolve %s container host: %v", image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port+"/tcp"))
	if err != nil {
		t.Fatalf("Failed to resolve %s container port: %v", image, err)
	}
	return host, mapped.Port()
}
