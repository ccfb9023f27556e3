package crawl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/browser/browsertest"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

const alliesURL = "https://social.test/mynetwork/connections/"

var selectors = automation.DefaultSelectors()

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

func noSleep(context.Context, time.Duration) error { return nil }

func listPage(n int) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `<li><a href="/in/p%d/">Person %d</a></li>`, i, i)
	}
	b.WriteString(`<a href="/feed/">Feed</a></ul></body></html>`)
	return b.String()
}

func ids(recs []checkpoint.ConnectionRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ProfileID)
	}
	return out
}

func newLister(t *testing.T, fileSize, maxIterations int) (*Lister, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	l, err := NewLister(ListerConfig{
		URLs: map[checkpoint.ListKind]string{
			checkpoint.KindAllies:   alliesURL,
			checkpoint.KindIncoming: "https://social.test/invitations/received/",
			checkpoint.KindOutgoing: "https://social.test/invitations/sent/",
		},
		FileSize:      fileSize,
		MaxIterations: maxIterations,
	}, selectors, store, throttle.NewPacer(throttle.DefaultPacing(), 7), noSleep, fixedClock{}, zap.NewNop())
	require.NoError(t, err)
	return l, store
}

// growingList serves pages of the given sizes, advancing on every load-more click.
func growingList(sizes ...int) *browsertest.Browser {
	b := browsertest.New().Show(selectors.LoadMore[0]).SetPage(alliesURL, listPage(sizes[0]))
	round := 0
	b.OnClick(selectors.LoadMore[0], func(b *browsertest.Browser) {
		round = min(round+1, len(sizes)-1)
		b.UnsafeSetPage(alliesURL, listPage(sizes[round]))
	})
	return b
}

func TestExtractProfiles(t *testing.T) {
	t.Parallel()

	html := `<div>
		<a href="https://social.test/in/ada/">Ada</a>
		<a href="/in/bob?trk=x">Bob</a>
		<a href="/in/ada/">Ada again</a>
		<a href="/company/acme/">Acme</a>
		<a>no href</a>
	</div>`
	recs, err := ExtractProfiles(html, selectors.ListItemLink, checkpoint.KindAllies)
	require.NoError(t, err)
	assert.Equal(t, []string{"ada", "bob"}, ids(recs))
	assert.Empty(t, recs[0].Status)

	recs, err = ExtractProfiles(html, selectors.ListItemLink, checkpoint.KindOutgoing)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, recs[0].Status)
	assert.Equal(t, "https://social.test/in/ada/", recs[0].OriginalURL)
}

func TestCollectRotatesLinkFiles(t *testing.T) {
	t.Parallel()

	l, store := newLister(t, 2, 10)
	b := growingList(3, 5)
	idx := checkpoint.NewMasterIndex("req-1", 100, fixedClock{}.Now())

	recs, err := l.Collect(context.Background(), b, checkpoint.KindAllies, idx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, ids(recs))

	refs := idx.Files[checkpoint.KindAllies]
	require.Len(t, refs, 3)
	for i, want := range []int{2, 2, 1} {
		assert.Equal(t, i, refs[i].Index)
		assert.Equal(t, want, refs[i].Count)
		assert.True(t, refs[i].Complete)
		_, err := os.Stat(refs[i].Path)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, idx.Metadata.Totals.Allies)
	assert.True(t, idx.IsListComplete(checkpoint.KindAllies))

	loaded, err := store.LoadIndex(store.Dir() + "/master-index.json")
	require.NoError(t, err)
	assert.Equal(t, idx.Files, loaded.Files)

	reloaded, err := LoadList(store, loaded, checkpoint.KindAllies)
	require.NoError(t, err)
	assert.Equal(t, recs, reloaded)
}

func TestCollectScrollsWithoutLoadMore(t *testing.T) {
	t.Parallel()

	l, _ := newLister(t, 10, 10)
	b := browsertest.New().SetPage(alliesURL, listPage(2))
	scrolls := 0
	b.OnScroll(func(b *browsertest.Browser) {
		scrolls++
		if scrolls == 1 {
			b.UnsafeSetPage(alliesURL, listPage(4))
		}
	})
	idx := checkpoint.NewMasterIndex("req-1", 100, fixedClock{}.Now())

	recs, err := l.Collect(context.Background(), b, checkpoint.KindAllies, idx, nil)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
	assert.Positive(t, scrolls)
	assert.NotContains(t, b.Actions(), "click:"+selectors.LoadMore[0])
}

func TestCollectStopsAtMaxIterations(t *testing.T) {
	t.Parallel()

	l, _ := newLister(t, 100, 3)
	b := growingList(1, 2, 3, 4, 5, 6, 7)
	idx := checkpoint.NewMasterIndex("req-1", 100, fixedClock{}.Now())

	recs, err := l.Collect(context.Background(), b, checkpoint.KindAllies, idx, nil)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestCollectInterruptsAndResumes(t *testing.T) {
	t.Parallel()

	l, _ := newLister(t, 2, 10)
	idx := checkpoint.NewMasterIndex("req-1", 100, fixedClock{}.Now())

	// The first load-more succeeds, the second hits a dropped connection.
	failing := &failAfter{Browser: growingList(3, 5), clicks: 1, err: errors.New("net::ERR_CONNECTION_RESET")}
	_, err := l.Collect(context.Background(), failing, checkpoint.KindAllies, idx, nil)
	var interrupted *InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.Equal(t, checkpoint.ListProgress{Kind: checkpoint.KindAllies, ExpansionAttempt: 2, CurrentFileIndex: 2}, interrupted.Progress)
	assert.False(t, idx.IsListComplete(checkpoint.KindAllies))
	assert.Equal(t, 5, idx.Metadata.Totals.Allies)

	// The reopened page starts from the top and has to be expanded again.
	recs, err := l.Collect(context.Background(), growingList(2, 4, 6, 8), checkpoint.KindAllies, idx, &interrupted.Progress)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}, ids(recs))
	assert.Len(t, idx.Files[checkpoint.KindAllies], 4)
	assert.True(t, idx.IsListComplete(checkpoint.KindAllies))
}

func TestCollectResumeNearIterationCapFinishesList(t *testing.T) {
	t.Parallel()

	l, _ := newLister(t, 2, 4)
	idx := checkpoint.NewMasterIndex("req-1", 100, fixedClock{}.Now())

	failing := &failAfter{Browser: growingList(2, 4, 6), clicks: 2, err: errors.New("net::ERR_CONNECTION_RESET")}
	_, err := l.Collect(context.Background(), failing, checkpoint.KindAllies, idx, nil)
	var interrupted *InterruptedError
	require.ErrorAs(t, err, &interrupted)
	assert.Equal(t, 3, interrupted.Progress.ExpansionAttempt)
	assert.Equal(t, 6, idx.Metadata.Totals.Allies)

	page := growingList(2, 4, 6, 8, 10)
	recs, err := l.Collect(context.Background(), page, checkpoint.KindAllies, idx, &interrupted.Progress)
	require.NoError(t, err)
	assert.Len(t, recs, 10)
	assert.Equal(t, 10, idx.Metadata.Totals.Allies)
	assert.True(t, idx.IsListComplete(checkpoint.KindAllies))
}

func TestCollectResumeStopsWhenPageStopsGrowing(t *testing.T) {
	t.Parallel()

	l, _ := newLister(t, 2, 10)
	idx := checkpoint.NewMasterIndex("req-1", 100, fixedClock{}.Now())

	failing := &failAfter{Browser: growingList(2, 4, 6), clicks: 2, err: errors.New("net::ERR_CONNECTION_RESET")}
	_, err := l.Collect(context.Background(), failing, checkpoint.KindAllies, idx, nil)
	var interrupted *InterruptedError
	require.ErrorAs(t, err, &interrupted)

	// The list shrank while the run was healing; the reloaded records are kept.
	recs, err := l.Collect(context.Background(), growingList(2, 3), checkpoint.KindAllies, idx, &interrupted.Progress)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5", "p6"}, ids(recs))
	assert.True(t, idx.IsListComplete(checkpoint.KindAllies))
}

// failAfter lets the first clicks through and then fails every click.
type failAfter struct {
	*browsertest.Browser
	clicks int
	err    error
}

func (f *failAfter) Click(ctx context.Context, sel automation.SelectorSet) error {
	if f.clicks == 0 {
		return f.err
	}
	f.clicks--
	return f.Browser.Click(ctx, sel)
}

func TestCollectFileSystemErrorsAreNotInterruptions(t *testing.T) {
	t.Parallel()

	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	l, store := newLister(t, 2, 10)
	require.NoError(t, os.Chmod(store.Dir(), 0o500))
	t.Cleanup(func() { _ = os.Chmod(store.Dir(), 0o700) })
	idx := checkpoint.NewMasterIndex("req-1", 100, fixedClock{}.Now())

	_, err := l.Collect(context.Background(), growingList(3), checkpoint.KindAllies, idx, nil)
	require.Error(t, err)
	var interrupted *InterruptedError
	assert.False(t, errors.As(err, &interrupted))
}

func TestNewListerValidates(t *testing.T) {
	t.Parallel()

	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	pacer := throttle.NewPacer(throttle.DefaultPacing(), 1)
	_, err = NewLister(ListerConfig{FileSize: 1, MaxIterations: 1}, selectors, store, pacer, nil, fixedClock{}, nil)
	assert.Error(t, err)
	_, err = NewLister(ListerConfig{MaxIterations: 1}, selectors, store, pacer, nil, fixedClock{}, nil)
	assert.Error(t, err)
}
