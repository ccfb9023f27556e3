package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

const pollInterval = 250 * time.Millisecond

// Browser is one Chrome tab.
type Browser struct {
	ctx    context.Context
	cancel func()
	cfg    Config
	pacer  *throttle.Pacer
	sleep  throttle.Sleeper

	closed     atomic.Bool
	pageClosed atomic.Bool

	mu    sync.Mutex
	mouse throttle.Point
}

func newBrowser(ctx context.Context, cancel func(), cfg Config, pacer *throttle.Pacer, sleep throttle.Sleeper) *Browser {
	return &Browser{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		pacer:  pacer,
		sleep:  sleep,
		mouse:  throttle.Point{X: float64(cfg.Width) / 2, Y: float64(cfg.Height) / 2},
	}
}

func (b *Browser) observe(ev any) {
	switch ev.(type) {
	case *inspector.EventDetached, *inspector.EventTargetCrashed, *target.EventTargetCrashed:
		b.pageClosed.Store(true)
	}
}

// classify maps a chromedp failure onto a fault category. Errors that are
// neither timeouts nor a dead browser are left for faults.Classify.
func classify(op string, caller, browser context.Context, err error) error {
	switch {
	case caller != nil && caller.Err() != nil:
		return fmt.Errorf("%s: %w", op, caller.Err())
	case browser.Err() != nil:
		return faults.New(faults.Browser, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return faults.New(faults.Network, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (b *Browser) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	if !b.Connected() {
		return faults.Errorf(faults.Browser, op, "browser target closed")
	}
	if b.pageClosed.Load() {
		return faults.Errorf(faults.Browser, op, "page closed")
	}
	taskCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return classify(op, ctx, b.ctx, err)
	}
	return nil
}

// Navigate implements automation.Surface.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, "navigate", b.cfg.NavTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// first returns the first selector in sel matching a node right now.
func (b *Browser) first(ctx context.Context, sel automation.SelectorSet) (string, bool, error) {
	for _, s := range sel {
		var nodes []*cdp.Node
		if err := b.run(ctx, "query", b.cfg.WaitTimeout, chromedp.Nodes(s, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
			return "", false, err
		}
		if len(nodes) > 0 {
			return s, true, nil
		}
	}
	return "", false, nil
}

// await polls until a selector in sel matches or the wait timeout passes.
func (b *Browser) await(ctx context.Context, sel automation.SelectorSet) (string, error) {
	deadline := time.Now().Add(b.cfg.WaitTimeout)
	for {
		s, ok, err := b.first(ctx, sel)
		if err != nil {
			return "", err
		}
		if ok {
			return s, nil
		}
		if time.Now().After(deadline) {
			return "", &automation.ElementNotFoundError{Selectors: sel}
		}
		if err := b.sleep(ctx, pollInterval); err != nil {
			return "", err
		}
	}
}

// Exists implements automation.Surface.
func (b *Browser) Exists(ctx context.Context, sel automation.SelectorSet) (bool, error) {
	_, ok, err := b.first(ctx, sel)
	return ok, err
}

type rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func rectScript(selector string) string {
	q, _ := json.Marshal(selector)
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return null;
	el.scrollIntoView({block: "center", inline: "center"});
	const r = el.getBoundingClientRect();
	return {x: r.x, y: r.y, width: r.width, height: r.height};
})()`, q)
}

// Click implements automation.Surface. The pointer travels a curved path to
// a point inside the element before pressing.
func (b *Browser) Click(ctx context.Context, sel automation.SelectorSet) error {
	s, err := b.await(ctx, sel)
	if err != nil {
		return err
	}
	var r *rect
	if err := b.run(ctx, "click", b.cfg.WaitTimeout, chromedp.Evaluate(rectScript(s), &r)); err != nil {
		return err
	}
	if r == nil || r.Width <= 0 || r.Height <= 0 {
		return &automation.ElementNotFoundError{Selectors: sel}
	}
	target := throttle.Point{
		X: r.X + r.Width/2 + b.pacer.Jitter(r.Width/4),
		Y: r.Y + r.Height/2 + b.pacer.Jitter(r.Height/4),
	}
	if err := b.moveTo(ctx, target); err != nil {
		return err
	}
	return b.run(ctx, "click", b.cfg.WaitTimeout,
		input.DispatchMouseEvent(input.MousePressed, target.X, target.Y).WithButton(input.Left).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, target.X, target.Y).WithButton(input.Left).WithClickCount(1),
	)
}

func (b *Browser) moveTo(ctx context.Context, to throttle.Point) error {
	b.mu.Lock()
	from := b.mouse
	b.mu.Unlock()
	for _, p := range b.pacer.MousePath(from, to) {
		if err := b.run(ctx, "mouse move", b.cfg.WaitTimeout, input.DispatchMouseEvent(input.MouseMoved, p.X, p.Y)); err != nil {
			return err
		}
		b.mu.Lock()
		b.mouse = p
		b.mu.Unlock()
		if err := b.sleep(ctx, b.pacer.MouseStepDelay()); err != nil {
			return err
		}
	}
	return nil
}

// Type implements automation.Surface. Each rune is sent as its own key event
// after a keystroke-sized pause.
func (b *Browser) Type(ctx context.Context, sel automation.SelectorSet, text string) error {
	if err := b.Click(ctx, sel); err != nil {
		return err
	}
	runes := []rune(text)
	for i, d := range b.pacer.TypingDelays(text) {
		if err := b.sleep(ctx, d); err != nil {
			return err
		}
		if err := b.run(ctx, "type", b.cfg.WaitTimeout, chromedp.KeyEvent(string(runes[i]))); err != nil {
			return err
		}
	}
	return nil
}

// Scroll implements automation.Surface using wheel events from the pointer position.
func (b *Browser) Scroll(ctx context.Context, distance int) error {
	b.mu.Lock()
	at := b.mouse
	b.mu.Unlock()
	for _, step := range b.pacer.ScrollSteps(distance) {
		ev := input.DispatchMouseEvent(input.MouseWheel, at.X, at.Y).WithDeltaX(0).WithDeltaY(float64(step))
		if err := b.run(ctx, "scroll", b.cfg.WaitTimeout, ev); err != nil {
			return err
		}
		if err := b.sleep(ctx, b.pacer.ScrollDelay()); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate implements automation.Surface. A nil out discards the result.
func (b *Browser) Evaluate(ctx context.Context, script string, out any) error {
	if out == nil {
		var discard []byte
		out = &discard
	}
	return b.run(ctx, "evaluate", b.cfg.WaitTimeout, chromedp.Evaluate(script, out))
}

// HTML implements automation.Surface.
func (b *Browser) HTML(ctx context.Context) (string, error) {
	var html string
	if err := b.run(ctx, "html", b.cfg.WaitTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Screenshot implements automation.Surface and returns a full-page PNG.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := b.run(ctx, "screenshot", b.cfg.NavTimeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Ping implements session.Browser.
func (b *Browser) Ping(ctx context.Context) error {
	var n int
	if err := b.run(ctx, "ping", b.cfg.WaitTimeout, chromedp.Evaluate(`1 + 1`, &n)); err != nil {
		return err
	}
	if n != 2 {
		return faults.Errorf(faults.Browser, "ping", "unexpected probe result %d", n)
	}
	return nil
}

// Connected implements session.Browser.
func (b *Browser) Connected() bool {
	return !b.closed.Load() && b.ctx.Err() == nil
}

// PageClosed implements session.Browser.
func (b *Browser) PageClosed() bool {
	return b.pageClosed.Load()
}

// Close implements session.Browser. Closing twice is a no-op.
func (b *Browser) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	defer b.cancel()
	if b.ctx.Err() != nil {
		return nil
	}
	if err := chromedp.Cancel(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
