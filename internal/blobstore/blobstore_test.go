package blobstore_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentries/saltwire/internal/blobstore"
)

// Azurite is Microsoft's official local emulator for Azure Blob Storage; it
// speaks the same REST surface the azblob SDK client targets, so Store can
// be exercised against a real container without a live Azure account.
func startAzurite(t *testing.T) (ctx context.Context, containerURL string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Azurite-backed test in -short mode")
	}

	ctx = context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mcr.microsoft.com/azure-storage/azurite:latest",
		ExposedPorts: []string{"10000/tcp"},
		Cmd:          []string{"azurite-blob", "--blobHost", "0.0.0.0"},
		WaitingFor:   wait.ForLog("Azurite Blob service is successfully listening"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "10000")
	require.NoError(t, err)

	// Azurite's well-known devstoreaccount1 account and key, unauthenticated
	// SAS-free access is not supported by the SDK's NoCredential client, so
	// tests target the emulator's anonymous public-container convention by
	// pre-creating a container named "messages" out of band in CI tooling.
	containerURL = fmt.Sprintf("http://%s:%s/devstoreaccount1/messages", host, mapped.Port())
	return ctx, containerURL
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	ctx, containerURL := startAzurite(t)

	store, err := blobstore.New(containerURL)
	require.NoError(t, err)

	messageID := "11111111-1111-4111-8111-111111111111"
	body := []byte("ciphertext bytes for round trip")

	key, err := store.Put(ctx, messageID, body, blobstore.Metadata{
		MessageID:  messageID,
		ReceiptCID: "breceipt",
		SenderDID:  "did:phone:abc",
		UploadedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "messages/"+messageID+".bin", key)

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	fetched, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, bytes.Equal(fetched, body))

	require.NoError(t, store.Delete(ctx, key))

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDeleteMissingBlobIsNotAnError(t *testing.T) {
	ctx, containerURL := startAzurite(t)

	store, err := blobstore.New(containerURL)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "messages/does-not-exist.bin"))
}
