// Package storage uploads captured artifacts and persists edges and action
// history. Backends live in the subpackages; this package holds the
// content-addressed artifact uploader shared by all of them.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
)

// BlobStore persists raw objects and returns a locator URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher digests artifact content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Uploader stores artifacts under prefix/<yyyy>/<mm>/<dd>/<digest><ext>.
type Uploader struct {
	blobs  BlobStore
	hasher Hasher
	clock  automation.Clock
	prefix string
}

// NewUploader returns an artifact store over blobs.
func NewUploader(blobs BlobStore, hasher Hasher, clock automation.Clock, prefix string) (*Uploader, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Uploader{blobs: blobs, hasher: hasher, clock: clock, prefix: strings.Trim(prefix, "/")}, nil
}

// UploadArtifact implements automation.ArtifactStore. Identical content on
// the same day maps to the same key.
func (u *Uploader) UploadArtifact(ctx context.Context, data []byte, contentType string) (automation.Artifact, error) {
	if len(data) == 0 {
		return automation.Artifact{}, faults.Errorf(faults.FileSystem, "upload artifact", "artifact is empty")
	}
	digest, err := u.hasher.Hash(data)
	if err != nil {
		return automation.Artifact{}, faults.New(faults.FileSystem, "hash artifact", err)
	}
	key := path.Join(u.prefix, u.clock.Now().UTC().Format("2006/01/02"), digest+extension(contentType))
	uri, err := u.blobs.PutObject(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		return automation.Artifact{}, faults.New(faults.Network, "upload artifact", err).With("key", key)
	}
	return automation.Artifact{Key: key, URL: uri}, nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "":
		return ""
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
