// Package automation defines the collaborator contracts shared by the
// runtime: the browser surface actions run against, the edge graph used for
// dedup, and the object store screenshots are uploaded to.
package automation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SelectorSet is an ordered list of CSS selectors for one UI element. The
// first selector that matches wins, so fallbacks go last.
type SelectorSet []string

// String renders the set for logs.
func (s SelectorSet) String() string {
	return "[" + strings.Join(s, " | ") + "]"
}

// ElementNotFoundError reports that no selector in a set matched.
type ElementNotFoundError struct {
	Selectors SelectorSet
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found for selectors %s", e.Selectors)
}

// Surface is the browser page actions run against.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, sel SelectorSet) error
	Type(ctx context.Context, sel SelectorSet, text string) error
	Exists(ctx context.Context, sel SelectorSet) (bool, error)
	Scroll(ctx context.Context, distance int) error
	Evaluate(ctx context.Context, script string, out any) error
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Edge is a recorded relationship between the account and a profile.
type Edge struct {
	ProfileID   string    `json:"profileId"`
	Kind        string    `json:"kind"`
	ArtifactKey string    `json:"artifactKey,omitempty"`
	ArtifactURL string    `json:"artifactUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EdgeGraph records which profiles were already handled.
type EdgeGraph interface {
	CheckEdgeExists(ctx context.Context, profileID string) (bool, error)
	CreateEdge(ctx context.Context, edge Edge) error
}

// Artifact locates an uploaded object.
type Artifact struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// ArtifactStore uploads captured artifacts.
type ArtifactStore interface {
	UploadArtifact(ctx context.Context, data []byte, contentType string) (Artifact, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
