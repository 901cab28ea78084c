// Package blobstore stores and retrieves encrypted message bodies in Azure
// Blob Storage. Keys follow the fixed layout messages/{message_id}.bin;
// object bodies are raw ciphertext with custom metadata carrying message_id,
// receipt_cid, sender_did, and uploaded_at.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// Metadata is the per-object custom metadata stored alongside each blob.
type Metadata struct {
	MessageID  string
	ReceiptCID string
	SenderDID  string
	UploadedAt time.Time
}

// Store wraps an Azure Blob Storage container client.
type Store struct {
	client *container.Client
}

// New builds a Store from a container URL (including any SAS query string).
func New(containerURL string) (*Store, error) {
	client, err := container.NewClientWithNoCredential(containerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: client: %w", err)
	}
	return &Store{client: client}, nil
}

func blobKey(messageID string) string {
	return fmt.Sprintf("messages/%s.bin", messageID)
}

// Put uploads ciphertext under messages/{message_id}.bin with custom
// metadata. It must complete before the caller writes the message's
// metadata row (§4.5's blob-before-metadata ordering invariant).
func (s *Store) Put(ctx context.Context, messageID string, ciphertext []byte, meta Metadata) (string, error) {
	key := blobKey(messageID)
	blobClient := s.client.NewBlockBlobClient(key)

	_, err := blobClient.UploadBuffer(ctx, ciphertext, &azblob.UploadBufferOptions{
		Metadata: map[string]*string{
			"message_id":  ptr(meta.MessageID),
			"receipt_cid": ptr(meta.ReceiptCID),
			"sender_did":  ptr(meta.SenderDID),
			"uploaded_at": ptr(meta.UploadedAt.UTC().Format(time.RFC3339)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: put %s: %w", key, err)
	}
	return key, nil
}

// Get downloads the ciphertext stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	blobClient := s.client.NewBlobClient(key)

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob at key. A missing blob is not an error: the
// retention sweep may race with a concurrent deletion and must not fail.
func (s *Store) Delete(ctx context.Context, key string) error {
	blobClient := s.client.NewBlobClient(key)
	_, err := blobClient.Delete(ctx, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a blob is present at key, without downloading its
// body.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	blobClient := s.client.NewBlobClient(key)
	_, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: exists %s: %w", key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return false
}

func ptr(s string) *string { return &s }
