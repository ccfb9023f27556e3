// Package workflow implements the outreach operations (connection requests,
// direct messages, feed posts) as ordered UI steps run through the throttle,
// the retry executor and the live browser session.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

// Kind names a workflow variant.
type Kind string

// Workflow kinds.
const (
	KindConnect Kind = "connect"
	KindMessage Kind = "message"
	KindPost    Kind = "post"
)

const maxNoteLength = 300

var (
	// errAlreadySatisfied ends a workflow early because its goal already holds.
	errAlreadySatisfied = errors.New("target already in desired state")
	// errStepNotNeeded marks an optional step with nothing to do.
	errStepNotNeeded = errors.New("step not needed")
)

// Env is what steps run against.
type Env struct {
	Surface   automation.Surface
	Selectors automation.Selectors
	BaseURL   string
}

// Step is one named UI action.
type Step struct {
	Name     string
	Optional bool
	Run      func(ctx context.Context, env Env) error
}

// Workflow is implemented only by Connect, Message and Post.
type Workflow interface {
	Kind() Kind
	Target() string
	Validate() error
	steps() []Step
}

// Connect sends a connection request, optionally with a note.
type Connect struct {
	ProfileURL string
	Note       string
}

// Message sends a direct message to an existing connection.
type Message struct {
	ProfileURL string
	Text       string
}

// Post publishes a text post to the feed.
type Post struct {
	Content string
}

// Kind implements Workflow.
func (Connect) Kind() Kind { return KindConnect }

// Kind implements Workflow.
func (Message) Kind() Kind { return KindMessage }

// Kind implements Workflow.
func (Post) Kind() Kind { return KindPost }

// Target implements Workflow.
func (c Connect) Target() string { return c.ProfileURL }

// Target implements Workflow.
func (m Message) Target() string { return m.ProfileURL }

// Target implements Workflow.
func (Post) Target() string { return "feed" }

// Validate implements Workflow.
func (c Connect) Validate() error {
	if err := validProfileURL(c.ProfileURL); err != nil {
		return err
	}
	if len([]rune(c.Note)) > maxNoteLength {
		return fmt.Errorf("note exceeds %d characters", maxNoteLength)
	}
	return nil
}

// Validate implements Workflow.
func (m Message) Validate() error {
	if err := validProfileURL(m.ProfileURL); err != nil {
		return err
	}
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("message text is required")
	}
	return nil
}

// Validate implements Workflow.
func (p Post) Validate() error {
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("post content is required")
	}
	return nil
}

func validProfileURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid profile url %q", raw)
	}
	return nil
}

func (c Connect) steps() []Step {
	return []Step{
		{Name: "navigate", Run: openProfile(c.ProfileURL)},
		{Name: "check-existing-status", Run: func(ctx context.Context, env Env) error {
			for _, sel := range []automation.SelectorSet{env.Selectors.ConnectedIndicator, env.Selectors.PendingIndicator} {
				ok, err := env.Surface.Exists(ctx, sel)
				if err != nil {
					return err
				}
				if ok {
					return errAlreadySatisfied
				}
			}
			return nil
		}},
		{Name: "click-connect", Run: func(ctx context.Context, env Env) error {
			err := env.Surface.Click(ctx, env.Selectors.ConnectButton)
			var notFound *automation.ElementNotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
			// The button is sometimes folded into the overflow menu.
			if err := env.Surface.Click(ctx, env.Selectors.MoreActions); err != nil {
				return err
			}
			return env.Surface.Click(ctx, env.Selectors.ConnectInMenu)
		}},
		{Name: "add-message", Optional: true, Run: func(ctx context.Context, env Env) error {
			if c.Note == "" {
				return errStepNotNeeded
			}
			if err := env.Surface.Click(ctx, env.Selectors.AddNote); err != nil {
				return err
			}
			return env.Surface.Type(ctx, env.Selectors.NoteInput, c.Note)
		}},
		{Name: "send", Run: click(func(s automation.Selectors) automation.SelectorSet { return s.SendInvite })},
		{Name: "verify", Run: confirm("invitation", func(s automation.Selectors) automation.SelectorSet { return s.PendingIndicator })},
	}
}

func (m Message) steps() []Step {
	return []Step{
		{Name: "navigate", Run: openProfile(m.ProfileURL)},
		{Name: "open-composer", Run: click(func(s automation.Selectors) automation.SelectorSet { return s.MessageButton })},
		{Name: "type-message", Run: func(ctx context.Context, env Env) error {
			return env.Surface.Type(ctx, env.Selectors.MessageInput, m.Text)
		}},
		{Name: "send", Run: click(func(s automation.Selectors) automation.SelectorSet { return s.MessageSend })},
		{Name: "verify", Run: confirm("message", func(s automation.Selectors) automation.SelectorSet { return s.MessageSent })},
	}
}

func (p Post) steps() []Step {
	return []Step{
		{Name: "navigate", Run: func(ctx context.Context, env Env) error {
			return env.Surface.Navigate(ctx, strings.TrimRight(env.BaseURL, "/")+"/feed/")
		}},
		{Name: "open-editor", Run: click(func(s automation.Selectors) automation.SelectorSet { return s.PostStart })},
		{Name: "type-content", Run: func(ctx context.Context, env Env) error {
			return env.Surface.Type(ctx, env.Selectors.PostEditor, p.Content)
		}},
		{Name: "publish", Run: click(func(s automation.Selectors) automation.SelectorSet { return s.PostSubmit })},
		{Name: "verify", Run: confirm("post", func(s automation.Selectors) automation.SelectorSet { return s.PostConfirm })},
	}
}

func openProfile(profileURL string) func(context.Context, Env) error {
	return func(ctx context.Context, env Env) error {
		if err := env.Surface.Navigate(ctx, profileURL); err != nil {
			return err
		}
		missing, err := env.Surface.Exists(ctx, env.Selectors.ProfileMissing)
		if err != nil {
			return err
		}
		if missing {
			return faults.New(faults.ConnectionLevel, "open profile", fmt.Errorf("%s: %w", profileURL, faults.ErrProfileNotFound))
		}
		return nil
	}
}

func click(pick func(automation.Selectors) automation.SelectorSet) func(context.Context, Env) error {
	return func(ctx context.Context, env Env) error {
		return env.Surface.Click(ctx, pick(env.Selectors))
	}
}

func confirm(what string, pick func(automation.Selectors) automation.SelectorSet) func(context.Context, Env) error {
	return func(ctx context.Context, env Env) error {
		ok, err := env.Surface.Exists(ctx, pick(env.Selectors))
		if err != nil {
			return err
		}
		if !ok {
			return faults.Errorf(faults.Browser, "verify", "%s not confirmed by the page", what)
		}
		return nil
	}
}

// Spec is the serialized form of a workflow request.
type Spec struct {
	Kind       Kind   `json:"kind"`
	ProfileURL string `json:"profileUrl,omitempty"`
	Note       string `json:"note,omitempty"`
	Text       string `json:"text,omitempty"`
	Content    string `json:"content,omitempty"`
}

// Decode turns a Spec into its workflow variant.
func Decode(s Spec) (Workflow, error) {
	var wf Workflow
	switch s.Kind {
	case KindConnect:
		wf = Connect{ProfileURL: s.ProfileURL, Note: s.Note}
	case KindMessage:
		wf = Message{ProfileURL: s.ProfileURL, Text: s.Text}
	case KindPost:
		wf = Post{Content: s.Content}
	default:
		return nil, fmt.Errorf("unknown workflow kind %q", s.Kind)
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("%s workflow: %w", s.Kind, err)
	}
	return wf, nil
}

// DecodeBatch reads a JSON array of specs.
func DecodeBatch(r io.Reader) ([]Workflow, error) {
	var specs []Spec
	if err := json.NewDecoder(r).Decode(&specs); err != nil {
		return nil, fmt.Errorf("decode workflow batch: %w", err)
	}
	out := make([]Workflow, 0, len(specs))
	for i, s := range specs {
		wf, err := Decode(s)
		if err != nil {
			return nil, fmt.Errorf("workflow %d: %w", i, err)
		}
		out = append(out, wf)
	}
	return out, nil
}

// ProfileURL builds the canonical profile URL for a profile id.
func ProfileURL(baseURL, profileID string) string {
	return strings.TrimRight(baseURL, "/") + "/in/" + url.PathEscape(profileID) + "/"
}

// Pacing draws think time between steps.
type Pacing interface {
	Think() time.Duration
	Between(lo, hi time.Duration) time.Duration
}

var _ Pacing = (*throttle.Pacer)(nil)
