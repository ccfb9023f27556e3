// Package browsertest provides a scripted in-memory browser for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/session"
)

// Browser is a fake session.Browser. Elements are modelled as a set of
// visible selectors; pages as HTML keyed by URL.
type Browser struct {
	mu           sync.Mutex
	url          string
	visible      map[string]bool
	pages        map[string]string
	failures     map[string][]error
	onClick      map[string]func(b *Browser)
	onScroll     func(b *Browser)
	actions      []string
	screenshot   []byte
	closed       bool
	pageClosed   bool
	disconnected bool
}

// New returns an empty browser.
func New() *Browser {
	return &Browser{
		visible:    map[string]bool{},
		pages:      map[string]string{},
		failures:   map[string][]error{},
		onClick:    map[string]func(*Browser){},
		screenshot: []byte("\x89PNG fake"),
	}
}

// Show makes selectors visible.
func (b *Browser) Show(selectors ...string) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range selectors {
		b.visible[s] = true
	}
	return b
}

// Hide removes selectors.
func (b *Browser) Hide(selectors ...string) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range selectors {
		delete(b.visible, s)
	}
	return b
}

// SetPage sets the HTML served for url.
func (b *Browser) SetPage(url, html string) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = html
	return b
}

// FailNext queues err for the next call of op: navigate, click, type,
// exists, scroll, evaluate, html, screenshot or ping.
func (b *Browser) FailNext(op string, errs ...error) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], errs...)
	return b
}

// OnClick runs fn after selector is clicked. fn must not call methods that
// lock the browser; use the Unsafe* helpers.
func (b *Browser) OnClick(selector string, fn func(b *Browser)) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClick[selector] = fn
	return b
}

// OnScroll runs fn after every scroll, with the same locking rule as OnClick.
func (b *Browser) OnScroll(fn func(b *Browser)) *Browser {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onScroll = fn
	return b
}

// UnsafeSetPage is SetPage for use inside hooks.
func (b *Browser) UnsafeSetPage(url, html string) { b.pages[url] = html }

// UnsafeURL returns the current URL inside hooks.
func (b *Browser) UnsafeURL() string { return b.url }

// UnsafeHide is Hide for use inside hooks.
func (b *Browser) UnsafeHide(selector string) { delete(b.visible, selector) }

// UnsafeShow is Show for use inside hooks.
func (b *Browser) UnsafeShow(selector string) { b.visible[selector] = true }

// ClosePage simulates the page being closed under the session.
func (b *Browser) ClosePage() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pageClosed = true
}

// Disconnect simulates losing the browser connection.
func (b *Browser) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
}

// Actions returns the recorded calls in order.
func (b *Browser) Actions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.actions))
	copy(out, b.actions)
	return out
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Browser) popFailure(op string) error {
	queue := b.failures[op]
	if len(queue) == 0 {
		return nil
	}
	b.failures[op] = queue[1:]
	return queue[0]
}

func (b *Browser) record(format string, args ...any) {
	b.actions = append(b.actions, fmt.Sprintf(format, args...))
}

func (b *Browser) match(sel automation.SelectorSet) (string, bool) {
	for _, s := range sel {
		if b.visible[s] {
			return s, true
		}
	}
	return "", false
}

func (b *Browser) usable() error {
	if b.closed || b.disconnected {
		return errors.New("browser target closed")
	}
	if b.pageClosed {
		return errors.New("page closed")
	}
	return nil
}

// Navigate implements automation.Surface.
func (b *Browser) Navigate(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.popFailure("navigate"); err != nil {
		return err
	}
	b.url = url
	b.record("navigate:%s", url)
	return nil
}

// Click implements automation.Surface.
func (b *Browser) Click(_ context.Context, sel automation.SelectorSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.popFailure("click"); err != nil {
		return err
	}
	s, ok := b.match(sel)
	if !ok {
		return &automation.ElementNotFoundError{Selectors: sel}
	}
	b.record("click:%s", s)
	if fn := b.onClick[s]; fn != nil {
		fn(b)
	}
	return nil
}

// Type implements automation.Surface.
func (b *Browser) Type(_ context.Context, sel automation.SelectorSet, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.popFailure("type"); err != nil {
		return err
	}
	s, ok := b.match(sel)
	if !ok {
		return &automation.ElementNotFoundError{Selectors: sel}
	}
	b.record("type:%s:%s", s, text)
	return nil
}

// Exists implements automation.Surface.
func (b *Browser) Exists(_ context.Context, sel automation.SelectorSet) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return false, err
	}
	if err := b.popFailure("exists"); err != nil {
		return false, err
	}
	_, ok := b.match(sel)
	return ok, nil
}

// Scroll implements automation.Surface.
func (b *Browser) Scroll(_ context.Context, distance int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.popFailure("scroll"); err != nil {
		return err
	}
	b.record("scroll:%d", distance)
	if b.onScroll != nil {
		b.onScroll(b)
	}
	return nil
}

// Evaluate implements automation.Surface. Results are not populated.
func (b *Browser) Evaluate(_ context.Context, script string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.popFailure("evaluate"); err != nil {
		return err
	}
	b.record("evaluate:%s", strings.TrimSpace(script))
	return nil
}

// HTML implements automation.Surface.
func (b *Browser) HTML(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return "", err
	}
	if err := b.popFailure("html"); err != nil {
		return "", err
	}
	return b.pages[b.url], nil
}

// Screenshot implements automation.Surface.
func (b *Browser) Screenshot(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	if err := b.popFailure("screenshot"); err != nil {
		return nil, err
	}
	b.record("screenshot:%s", b.url)
	return b.screenshot, nil
}

// Ping implements session.Browser.
func (b *Browser) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	return b.popFailure("ping")
}

// Connected implements session.Browser.
func (b *Browser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && !b.disconnected
}

// PageClosed implements session.Browser.
func (b *Browser) PageClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pageClosed
}

// Close implements session.Browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Launcher hands out browsers built by Factory.
type Launcher struct {
	mu       sync.Mutex
	Factory  func() *Browser
	errs     []error
	launched []*Browser
}

// NewLauncher returns a Launcher using factory, or New when factory is nil.
func NewLauncher(factory func() *Browser) *Launcher {
	if factory == nil {
		factory = New
	}
	return &Launcher{Factory: factory}
}

// FailNext makes the next launches fail with errs.
func (l *Launcher) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, errs...)
}

// Launch implements session.Launcher.
func (l *Launcher) Launch(_ context.Context) (session.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		return nil, err
	}
	b := l.Factory()
	l.launched = append(l.launched, b)
	return b, nil
}

// Launched returns every browser launched so far.
func (l *Launcher) Launched() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Browser, len(l.launched))
	copy(out, l.launched)
	return out
}

// Last returns the most recently launched browser.
func (l *Launcher) Last() *Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.launched) == 0 {
		return nil
	}
	return l.launched[len(l.launched)-1]
}
