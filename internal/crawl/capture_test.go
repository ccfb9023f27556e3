package crawl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/browser/browsertest"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/retry"
	"github.com/JakeFAU/outreach-crawler/internal/session"
)

type openGate struct{ recorded []string }

func (g *openGate) Gate(context.Context, string) error { return nil }

func (g *openGate) Record(_ context.Context, action string, _ map[string]string) error {
	g.recorded = append(g.recorded, action)
	return nil
}

type fakeArtifacts struct {
	uploads [][]byte
	err     error
}

func (f *fakeArtifacts) UploadArtifact(_ context.Context, data []byte, contentType string) (automation.Artifact, error) {
	if f.err != nil {
		return automation.Artifact{}, f.err
	}
	f.uploads = append(f.uploads, data)
	return automation.Artifact{Key: "shots/" + contentType, URL: "https://blobs.test/shots/1.png"}, nil
}

func newCapture(t *testing.T, factory func() *browsertest.Browser) (*Capture, *browsertest.Launcher, *fakeEdges, *fakeArtifacts, *openGate) {
	t.Helper()
	launcher := browsertest.NewLauncher(factory)
	mgr, err := session.NewManager(launcher, session.Config{MaxErrors: 5}, zap.NewNop())
	require.NoError(t, err)
	exec, err := retry.New(retry.Config{BaseDelay: time.Millisecond, MaxDelay: time.Second}, zap.NewNop(),
		retry.WithSleeper(noSleep), retry.WithRecoverer(mgr))
	require.NoError(t, err)
	edges, artifacts, gate := &fakeEdges{}, &fakeArtifacts{}, &openGate{}
	c, err := NewCapture(CaptureConfig{BaseURL: "https://social.test", Selectors: selectors, MaxRetries: 3},
		mgr, gate, exec, artifacts, edges, fixedClock{}, zap.NewNop())
	require.NoError(t, err)
	return c, launcher, edges, artifacts, gate
}

func TestCaptureUploadsScreenshotAndCreatesEdge(t *testing.T) {
	t.Parallel()

	c, launcher, edges, artifacts, gate := newCapture(t, nil)
	err := c.Process(context.Background(), checkpoint.KindAllies, checkpoint.ConnectionRecord{ProfileID: "ada"})
	require.NoError(t, err)

	require.Len(t, edges.created, 1)
	assert.Equal(t, automation.Edge{
		ProfileID:   "ada",
		Kind:        "allies",
		ArtifactKey: "shots/image/png",
		ArtifactURL: "https://blobs.test/shots/1.png",
		CreatedAt:   fixedClock{}.Now(),
	}, edges.created[0])
	assert.Len(t, artifacts.uploads, 1)
	assert.Equal(t, []string{captureAction}, gate.recorded)
	assert.Equal(t, []string{
		"navigate:https://social.test/in/ada/",
		"screenshot:https://social.test/in/ada/",
	}, launcher.Last().Actions())
}

func TestCaptureUsesInvitationURL(t *testing.T) {
	t.Parallel()

	c, launcher, _, _, _ := newCapture(t, nil)
	rec := checkpoint.ConnectionRecord{ProfileID: "bob", Status: StatusReceived, OriginalURL: "https://social.test/in/bob/?src=inv"}
	require.NoError(t, c.Process(context.Background(), checkpoint.KindIncoming, rec))
	assert.Equal(t, "navigate:https://social.test/in/bob/?src=inv", launcher.Last().Actions()[0])
}

func TestCaptureMissingProfileIsConnectionLevel(t *testing.T) {
	t.Parallel()

	c, _, edges, _, _ := newCapture(t, func() *browsertest.Browser {
		return browsertest.New().Show(selectors.ProfileMissing[0])
	})
	err := c.Process(context.Background(), checkpoint.KindAllies, checkpoint.ConnectionRecord{ProfileID: "gone"})
	require.Error(t, err)
	assert.Equal(t, faults.ConnectionLevel, faults.CategoryOf(err))
	assert.Empty(t, edges.created)
}

func TestCaptureRetriesBrowserFailuresOnFreshSession(t *testing.T) {
	t.Parallel()

	first := true
	c, launcher, edges, _, _ := newCapture(t, func() *browsertest.Browser {
		b := browsertest.New()
		if first {
			first = false
			b.FailNext("screenshot", errors.New("target closed"))
		}
		return b
	})
	require.NoError(t, c.Process(context.Background(), checkpoint.KindAllies, checkpoint.ConnectionRecord{ProfileID: "cy"}))
	assert.Len(t, launcher.Launched(), 2)
	assert.Len(t, edges.created, 1)
}

func loginBrowser() *browsertest.Browser {
	b := browsertest.New().Show(selectors.LoginUsername[0], selectors.LoginPassword[0], selectors.LoginSubmit[0])
	b.OnClick(selectors.LoginSubmit[0], func(b *browsertest.Browser) { b.UnsafeShow(selectors.LoggedIn[0]) })
	return b
}

func lookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func authenticate(t *testing.T, b *browsertest.Browser, creds checkpoint.Credentials, env map[string]string) error {
	t.Helper()
	auth := Login(LoginConfig{URL: "https://social.test/login", Selectors: selectors, LookupEnv: lookup(env), Sleep: noSleep}, creds)
	mgr, err := session.NewManager(browsertest.NewLauncher(func() *browsertest.Browser { return b }), session.Config{MaxErrors: 1}, nil,
		session.WithAuthenticator(auth))
	require.NoError(t, err)
	_, err = mgr.Acquire(context.Background())
	return err
}

func TestLoginSignsIn(t *testing.T) {
	t.Parallel()

	b := loginBrowser()
	err := authenticate(t, b, checkpoint.Credentials{Username: "me@example.com", SecretEnv: "OUTREACH_PASSWORD"},
		map[string]string{"OUTREACH_PASSWORD": "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"navigate:https://social.test/login",
		"type:" + selectors.LoginUsername[0] + ":me@example.com",
		"type:" + selectors.LoginPassword[0] + ":hunter2",
		"click:" + selectors.LoginSubmit[0],
	}, b.Actions())
}

func TestLoginSkipsSignedInSession(t *testing.T) {
	t.Parallel()

	b := browsertest.New().Show(selectors.LoggedIn[0])
	require.NoError(t, authenticate(t, b, checkpoint.Credentials{}, nil))
	assert.Equal(t, []string{"navigate:https://social.test/login"}, b.Actions())
}

func TestLoginChallengeIsAuthenticationError(t *testing.T) {
	t.Parallel()

	b := browsertest.New().Show(selectors.LoginUsername[0], selectors.LoginPassword[0], selectors.LoginSubmit[0])
	b.OnClick(selectors.LoginSubmit[0], func(b *browsertest.Browser) { b.UnsafeShow(selectors.LoginChallenge[0]) })
	err := authenticate(t, b, checkpoint.Credentials{Username: "me", SecretEnv: "PW"}, map[string]string{"PW": "x"})
	require.Error(t, err)
	assert.Equal(t, faults.Authentication, faults.CategoryOf(err))
	assert.True(t, b.Closed())
}

func TestLoginWithoutSecretIsFatal(t *testing.T) {
	t.Parallel()

	err := authenticate(t, loginBrowser(), checkpoint.Credentials{Username: "me", SecretEnv: "MISSING"}, map[string]string{})
	require.Error(t, err)
	assert.Equal(t, faults.Unknown, faults.CategoryOf(err))
}
