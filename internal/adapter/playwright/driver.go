// Package playwright implements display.Driver by attaching to the Chromium
// instance inside a session container over the Chrome DevTools Protocol.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/Strob0t/agentdesk/internal/domain/control"
	"github.com/Strob0t/agentdesk/internal/port/display"
)

const (
	defaultCDPPort    = 9222
	defaultScrollStep = 600
	maxWait           = 30 * time.Second
)

// page is the subset of playwright.Page the driver uses.
type page interface {
	Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error)
	Click(selector string, options ...playwright.PageClickOptions) error
	Fill(selector, value string, options ...playwright.PageFillOptions) error
	Evaluate(expression string, arg ...any) (any, error)
	TextContent(selector string, options ...playwright.PageTextContentOptions) (string, error)
	Title() (string, error)
	URL() string
	IsClosed() bool
}

// Config controls how the driver reaches a container's browser.
type Config struct {
	CDPPort int    // remote debugging port inside the container
	CDPHost string // overrides the container name when set
}

type attachment struct {
	browser playwright.Browser
	page    page
}

// Driver keeps one CDP connection per session and reuses it across calls.
type Driver struct {
	pw  *playwright.Playwright
	cfg Config

	mu       sync.Mutex
	attached map[string]*attachment

	// connect is swapped in tests.
	connect func(endpoint string) (*attachment, error)
}

// New starts the Playwright driver process. Browsers are never downloaded:
// every session container brings its own Chromium.
func New(cfg Config) (*Driver, error) {
	opts := &playwright.RunOptions{
		SkipInstallBrowsers: true,
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("install playwright driver: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	d := newDriver(cfg)
	d.pw = pw
	d.connect = d.connectCDP
	return d, nil
}

func newDriver(cfg Config) *Driver {
	if cfg.CDPPort <= 0 {
		cfg.CDPPort = defaultCDPPort
	}
	return &Driver{cfg: cfg, attached: make(map[string]*attachment)}
}

func (d *Driver) endpoint(t display.Target) string {
	host := d.cfg.CDPHost
	if host == "" {
		host = t.ContainerName
	}
	return "http://" + host + ":" + strconv.Itoa(d.cfg.CDPPort)
}

func (d *Driver) connectCDP(endpoint string) (*attachment, error) {
	browser, err := d.pw.Chromium.ConnectOverCDP(endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect over cdp %s: %w", endpoint, err)
	}

	var pg playwright.Page
	if contexts := browser.Contexts(); len(contexts) > 0 {
		if pages := contexts[0].Pages(); len(pages) > 0 {
			pg = pages[0]
		} else {
			pg, err = contexts[0].NewPage()
		}
	} else {
		pg, err = browser.NewPage()
	}
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return &attachment{browser: browser, page: pg}, nil
}

// pageFor returns the session's page, attaching on first use or after the
// page was closed.
func (d *Driver) pageFor(t display.Target) (page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.attached[t.SessionID]; ok {
		if !a.page.IsClosed() {
			return a.page, nil
		}
		d.closeLocked(t.SessionID)
	}

	a, err := d.connect(d.endpoint(t))
	if err != nil {
		return nil, err
	}
	d.attached[t.SessionID] = a
	return a.page, nil
}

// Observe reads the current URL, title and visible text.
func (d *Driver) Observe(ctx context.Context, t display.Target) (control.Observation, error) {
	if err := ctx.Err(); err != nil {
		return control.Observation{}, err
	}
	pg, err := d.pageFor(t)
	if err != nil {
		return control.Observation{}, err
	}

	obs := control.Observation{URL: pg.URL(), CapturedAt: time.Now().UTC()}
	if title, err := pg.Title(); err == nil {
		obs.Title = title
	}
	text, err := pg.TextContent("body", playwright.PageTextContentOptions{Timeout: timeoutMS(ctx)})
	if err != nil {
		return control.Observation{}, fmt.Errorf("read page text: %w", err)
	}
	obs.Content = text
	return obs, nil
}

// Apply performs one action on the session's page.
func (d *Driver) Apply(ctx context.Context, t display.Target, a control.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch a.Type {
	case control.ActionDone:
		return nil
	case control.ActionWait:
		return wait(ctx, a.Parameters["seconds"])
	}

	pg, err := d.pageFor(t)
	if err != nil {
		return err
	}
	return apply(ctx, pg, a)
}

func apply(ctx context.Context, pg page, a control.Action) error {
	timeout := timeoutMS(ctx)
	p := a.Parameters

	switch a.Type {
	case control.ActionNavigate:
		if p["url"] == "" {
			return errors.New("navigate: url is required")
		}
		_, err := pg.Goto(p["url"], playwright.PageGotoOptions{Timeout: timeout})
		return err
	case control.ActionClick:
		if p["selector"] == "" {
			return errors.New("click: selector is required")
		}
		return pg.Click(p["selector"], playwright.PageClickOptions{Timeout: timeout})
	case control.ActionTypeText:
		if p["selector"] == "" {
			return errors.New("type: selector is required")
		}
		return pg.Fill(p["selector"], p["text"], playwright.PageFillOptions{Timeout: timeout})
	case control.ActionScroll:
		dy := defaultScrollStep
		if v, err := strconv.Atoi(p["dy"]); err == nil {
			dy = v
		}
		_, err := pg.Evaluate("dy => window.scrollBy(0, dy)", dy)
		return err
	default:
		return fmt.Errorf("unsupported action %q", a.Type)
	}
}

func wait(ctx context.Context, seconds string) error {
	d := time.Second
	if f, err := strconv.ParseFloat(seconds, 64); err == nil && f > 0 {
		d = min(time.Duration(f*float64(time.Second)), maxWait)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// timeoutMS converts the context deadline into a Playwright timeout.
func timeoutMS(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

// Actions returns the default action set.
func (d *Driver) Actions() []control.ActionType { return control.DefaultActions }

// Detach closes the session's CDP connection. The remote browser keeps running.
func (d *Driver) Detach(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked(sessionID)
}

func (d *Driver) closeLocked(sessionID string) {
	a, ok := d.attached[sessionID]
	if !ok {
		return
	}
	delete(d.attached, sessionID)
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			slog.Debug("close cdp connection", "session_id", sessionID, "error", err)
		}
	}
}

// Close detaches every session and stops the Playwright driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	for id := range d.attached {
		d.closeLocked(id)
	}
	d.mu.Unlock()

	if d.pw == nil {
		return nil
	}
	return d.pw.Stop()
}
