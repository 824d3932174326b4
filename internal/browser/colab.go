package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/probe"
)

// Config configures the Colab prober.
type Config struct {
	// NotebookURL is the Colab notebook to keep alive.
	NotebookURL string

	// AttachURL attaches to an already-running Chrome (DevTools http
	// address or ws:// debugger URL). Empty means launch our own.
	AttachURL string

	// Launch options, used when AttachURL is empty.
	ExecutablePath string
	UserDataDir    string
	CDPPort        int
	Headless       bool
	NoSandbox      bool

	// OpTimeout bounds each browser action (default 30s). PageLoad
	// bounds navigation and reload (default 90s).
	OpTimeout time.Duration
	PageLoad  time.Duration
}

// ColabProber drives a single Colab tab through the DevTools protocol.
// It satisfies probe.Prober. One instance owns at most one browser
// session; Open after Close (or after a dead session) builds a new one.
type ColabProber struct {
	mu  sync.Mutex
	cfg Config

	chrome        *Chrome // non-nil only when we launched it
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewColabProber creates a prober. No browser is touched until Open.
func NewColabProber(cfg Config) *ColabProber {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.PageLoad <= 0 {
		cfg.PageLoad = 90 * time.Second
	}
	if cfg.CDPPort <= 0 {
		cfg.CDPPort = 9222
	}
	return &ColabProber{cfg: cfg}
}

// Open establishes the browser session and navigates to the notebook.
// An existing session is torn down first, so Open doubles as reopen.
func (p *ColabProber) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.teardownLocked()

	wsURL, err := p.resolveDebuggerLocked()
	if err != nil {
		return probe.Errf("open", err)
	}

	// The allocator outlives this call; the session it anchors is torn
	// down explicitly in Close, not when Open's ctx ends.
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL, chromedp.NoModifyURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel

	navCtx, cancel := p.opContextLocked(ctx, p.cfg.PageLoad)
	defer cancel()

	err = chromedp.Run(navCtx,
		chromedp.Navigate(p.cfg.NotebookURL),
		chromedp.WaitReady("body"),
		// Colab renders its toolbar well after body-ready; give the
		// SPA a beat before anyone classifies it.
		chromedp.Sleep(3*time.Second),
		chromedp.Evaluate(keepAliveJS, nil),
	)
	if err != nil {
		p.teardownLocked()
		return probe.Errf("open", err)
	}

	logging.Infof("Browser session open at %s", p.cfg.NotebookURL)
	return nil
}

// Check classifies the current page state. Never mutates the page.
func (p *ColabProber) Check(ctx context.Context) (probe.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browserCtx == nil {
		return probe.Result{}, probe.ErrSessionClosed
	}

	opCtx, cancel := p.opContextLocked(ctx, p.cfg.OpTimeout)
	defer cancel()

	start := time.Now()
	var cls classification
	if err := chromedp.Run(opCtx, chromedp.Evaluate(classifyJS, &cls)); err != nil {
		return probe.Result{}, p.sessionErrLocked("check", err)
	}

	status := statusFor(cls)
	return probe.Result{
		Status:    status,
		OK:        status.Healthy(),
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: time.Now().UTC(),
		Detail:    cls.Detail,
	}, nil
}

// Reconnect clicks whatever reconnect control the page offers.
func (p *ColabProber) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browserCtx == nil {
		return probe.ErrSessionClosed
	}

	opCtx, cancel := p.opContextLocked(ctx, p.cfg.OpTimeout)
	defer cancel()

	var strategy string
	err := chromedp.Run(opCtx,
		chromedp.Evaluate(reconnectJS, &strategy),
		// Give the runtime a moment to start attaching before the
		// caller verifies.
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return p.sessionErrLocked("reconnect", err)
	}
	if strategy == "" {
		return probe.Errf("reconnect", errors.New("no reconnect control on the page"))
	}

	logging.Debugf("Reconnect clicked via %s", strategy)
	return nil
}

// Refresh reloads the notebook page and reinstalls the keep-alive
// script the reload wiped.
func (p *ColabProber) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browserCtx == nil {
		return probe.ErrSessionClosed
	}

	opCtx, cancel := p.opContextLocked(ctx, p.cfg.PageLoad)
	defer cancel()

	err := chromedp.Run(opCtx,
		chromedp.Reload(),
		chromedp.WaitReady("body"),
		chromedp.Sleep(3*time.Second),
		chromedp.Evaluate(keepAliveJS, nil),
	)
	if err != nil {
		return p.sessionErrLocked("refresh", err)
	}
	return nil
}

// RunAllCells fires Colab's run-all accelerator (Ctrl+F9). The keys
// go through the DevTools input domain so they arrive as trusted
// input; page-synthesized KeyboardEvents are untrusted and Colab's
// shortcut handler ignores them.
func (p *ColabProber) RunAllCells(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browserCtx == nil {
		return probe.ErrSessionClosed
	}

	opCtx, cancel := p.opContextLocked(ctx, p.cfg.OpTimeout)
	defer cancel()

	err := chromedp.Run(opCtx,
		input.DispatchKeyEvent(input.KeyRawDown).
			WithKey("Control").WithCode("ControlLeft").
			WithWindowsVirtualKeyCode(17).WithModifiers(input.ModifierCtrl),
		input.DispatchKeyEvent(input.KeyRawDown).
			WithKey("F9").WithCode("F9").
			WithWindowsVirtualKeyCode(120).WithModifiers(input.ModifierCtrl),
		input.DispatchKeyEvent(input.KeyUp).
			WithKey("F9").WithCode("F9").
			WithWindowsVirtualKeyCode(120).WithModifiers(input.ModifierCtrl),
		input.DispatchKeyEvent(input.KeyUp).
			WithKey("Control").WithCode("ControlLeft").
			WithWindowsVirtualKeyCode(17),
	)
	if err != nil {
		return p.sessionErrLocked("run_all_cells", err)
	}
	return nil
}

// Close tears the session down. Safe to call repeatedly.
func (p *ColabProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
	return nil
}

// resolveDebuggerLocked finds the websocket debugger address, launching
// Chrome first unless we are attaching to an existing one.
func (p *ColabProber) resolveDebuggerLocked() (string, error) {
	if p.cfg.AttachURL != "" {
		wsURL, err := WebSocketURL(p.cfg.AttachURL, 5*time.Second)
		if err != nil {
			return "", fmt.Errorf("attach to %s: %w", p.cfg.AttachURL, err)
		}
		logging.Infof("Attaching to existing browser at %s", p.cfg.AttachURL)
		return wsURL, nil
	}

	chrome, err := Launch(LaunchOptions{
		ExecutablePath: p.cfg.ExecutablePath,
		UserDataDir:    p.cfg.UserDataDir,
		CDPPort:        p.cfg.CDPPort,
		Headless:       p.cfg.Headless,
		NoSandbox:      p.cfg.NoSandbox,
	})
	if err != nil {
		return "", err
	}
	p.chrome = chrome

	wsURL, err := WebSocketURL(chrome.DevToolsURL(), 5*time.Second)
	if err != nil {
		return "", err
	}
	logging.Infof("Launched browser pid=%d on port %d", chrome.PID, chrome.CDPPort)
	return wsURL, nil
}

func (p *ColabProber) teardownLocked() {
	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCancel = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
	p.browserCtx = nil

	if p.chrome != nil {
		if err := p.chrome.Stop(5 * time.Second); err != nil {
			logging.Warnf("Browser stop: %v", err)
		}
		p.chrome = nil
	}
}

// opContextLocked bounds a browser action by d and by the caller's
// cancellation. The returned context still derives from the session
// context, because chromedp resolves its target through it, so the
// caller's ctx is bridged in via AfterFunc rather than by parentage.
func (p *ColabProber) opContextLocked(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(p.browserCtx, d)
	unhook := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		unhook()
		cancel()
	}
}

// sessionErrLocked wraps an action error, folding in ErrSessionClosed
// when the browser context itself is gone so recovery reopens instead
// of clicking a dead tab.
func (p *ColabProber) sessionErrLocked(op string, err error) error {
	if p.browserCtx != nil && p.browserCtx.Err() != nil {
		return probe.Errf(op, fmt.Errorf("%w: %v", probe.ErrSessionClosed, err))
	}
	return probe.Errf(op, err)
}
