package crawl

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/retry"
	"github.com/JakeFAU/outreach-crawler/internal/workflow"
)

const captureAction = "profile_capture"

// CaptureConfig tunes profile capture.
type CaptureConfig struct {
	BaseURL    string
	Selectors  automation.Selectors
	MaxRetries int
}

// Capture is the ItemProcessor that visits a profile, uploads a screenshot
// of it and records the edge.
type Capture struct {
	cfg       CaptureConfig
	sessions  workflow.Sessions
	gate      workflow.Gate
	retry     *retry.Executor
	artifacts automation.ArtifactStore
	edges     automation.EdgeGraph
	clock     automation.Clock
	logger    *zap.Logger
}

// NewCapture wires a Capture.
func NewCapture(cfg CaptureConfig, sessions workflow.Sessions, gate workflow.Gate, exec *retry.Executor,
	artifacts automation.ArtifactStore, edges automation.EdgeGraph, clock automation.Clock, logger *zap.Logger,
) (*Capture, error) {
	if sessions == nil || gate == nil || exec == nil || artifacts == nil || edges == nil || clock == nil {
		return nil, fmt.Errorf("capture dependencies are incomplete")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{
		cfg:       cfg,
		sessions:  sessions,
		gate:      gate,
		retry:     exec,
		artifacts: artifacts,
		edges:     edges,
		clock:     clock,
		logger:    logger.Named("capture"),
	}, nil
}

// Process implements ItemProcessor.
func (c *Capture) Process(ctx context.Context, kind checkpoint.ListKind, rec checkpoint.ConnectionRecord) error {
	target := rec.OriginalURL
	if target == "" {
		target = workflow.ProfileURL(c.cfg.BaseURL, rec.ProfileID)
	}
	info := map[string]string{"kind": string(kind), "profile_id": rec.ProfileID}
	return c.retry.Do(ctx, "capture profile", c.cfg.MaxRetries, func(ctx context.Context, _ int) error {
		if err := c.gate.Gate(ctx, captureAction); err != nil {
			return fmt.Errorf("throttle gate: %w", err)
		}
		h, err := c.sessions.Acquire(ctx)
		if err != nil {
			return err
		}
		edge, err := c.capture(ctx, h, target, rec, kind)
		if err != nil {
			if category := faults.CategoryOf(err); category == faults.Browser || category == faults.Network {
				if rerr := c.sessions.RecordError(ctx, err); rerr != nil {
					return rerr
				}
			}
			return err
		}
		if err := c.edges.CreateEdge(ctx, edge); err != nil {
			return fmt.Errorf("create edge %s: %w", rec.ProfileID, err)
		}
		if err := c.gate.Record(ctx, captureAction, info); err != nil {
			c.logger.Warn("record activity", zap.Error(err))
		}
		c.sessions.Touch()
		return nil
	}, info)
}

func (c *Capture) capture(ctx context.Context, s automation.Surface, target string, rec checkpoint.ConnectionRecord, kind checkpoint.ListKind) (automation.Edge, error) {
	if err := s.Navigate(ctx, target); err != nil {
		return automation.Edge{}, fmt.Errorf("open profile: %w", err)
	}
	missing, err := s.Exists(ctx, c.cfg.Selectors.ProfileMissing)
	if err != nil {
		return automation.Edge{}, err
	}
	if missing {
		return automation.Edge{}, faults.New(faults.ConnectionLevel, "open profile",
			fmt.Errorf("%s: %w", rec.ProfileID, faults.ErrProfileNotFound))
	}
	png, err := s.Screenshot(ctx)
	if err != nil {
		return automation.Edge{}, fmt.Errorf("screenshot profile: %w", err)
	}
	art, err := c.artifacts.UploadArtifact(ctx, png, "image/png")
	if err != nil {
		return automation.Edge{}, fmt.Errorf("upload screenshot: %w", err)
	}
	return automation.Edge{
		ProfileID:   rec.ProfileID,
		Kind:        string(kind),
		ArtifactKey: art.Key,
		ArtifactURL: art.URL,
		CreatedAt:   c.clock.Now(),
	}, nil
}
