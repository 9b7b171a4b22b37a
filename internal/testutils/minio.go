//go:build integration

package testutils

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
)

const (
	minioAccessKey = "minioadmin"
	minioSecretKey = "minioadmin"
)

// Minio is a running MinIO server with one bucket.
type Minio struct {
	Container testcontainers.Container
	Bucket    string
	Endpoint  string
}

// BucketURL returns the gocloud s3blob URL for the bucket.
func (m *Minio) BucketURL() string {
	return fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
		m.Bucket, m.Endpoint)
}

// OpenBucket opens the bucket through gocloud.
func (m *Minio) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, m.BucketURL())
}

// StartMinio starts MinIO on a private network, creates bucket with an mc
// sidecar and exports AWS credentials for s3blob. Everything is torn down
// at test cleanup.
func StartMinio(t *testing.T, ctx context.Context, bucket string) *Minio {
	t.Helper()

	networkName := fmt.Sprintf("htsfetch-test-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{Name: networkName},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(context.Background()) })

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          "minio/minio:latest",
			ExposedPorts:   []string{"9000/tcp"},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"minio"}},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioAccessKey,
				"MINIO_ROOT_PASSWORD": minioSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	makeBucket(t, ctx, networkName, bucket)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("minio host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("minio port: %v", err)
	}

	t.Setenv("AWS_ACCESS_KEY_ID", minioAccessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", minioSecretKey)

	return &Minio{
		Container: container,
		Bucket:    bucket,
		Endpoint:  fmt.Sprintf("%s:%s", host, port.Port()),
	}
}

func makeBucket(t *testing.T, ctx context.Context, networkName, bucket string) {
	t.Helper()

	mc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      "minio/mc:latest",
			Networks:   []string{networkName},
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd: []string{fmt.Sprintf(
				"/usr/bin/mc alias set local http://minio:9000 %s %s && /usr/bin/mc mb local/%s",
				minioAccessKey, minioSecretKey, bucket,
			)},
			WaitingFor: wait.ForExit(),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("create bucket %s: %v", bucket, err)
	}
	mc.Terminate(ctx)
}
