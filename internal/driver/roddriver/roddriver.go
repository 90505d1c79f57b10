// Package roddriver implements driver.Driver on a Chromium instance
// controlled through go-rod.
//
// One browser is launched lazily and shared. Every driver.Session gets its
// own incognito context and page, so cookies never leak between accounts.
package roddriver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"golang.org/x/time/rate"

	"geopub/internal/driver"
	"geopub/internal/platform"
	logx "geopub/pkg/logx"
)

const (
	browserInitTimeout = 30 * time.Second
	confirmPoll        = 500 * time.Millisecond
	userAgent          = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

type Config struct {
	// Bin is the Chromium binary. Empty downloads the default revision.
	Bin string
	// ControlURL connects to an already running browser instead of
	// launching one.
	ControlURL    string
	Headless      bool
	NoSandbox     bool
	NavRatePerSec float64
}

type Driver struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	pages    map[string]*sessionPage
	limiters map[string]*rate.Limiter
}

type sessionPage struct {
	ctx       *rod.Browser // incognito context
	page      *rod.Page
	fresh     bool
	submitURL string
}

func New(cfg Config, log logx.Logger) *Driver {
	if cfg.NavRatePerSec <= 0 {
		cfg.NavRatePerSec = 1
	}
	return &Driver{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "roddriver")),
		pages:    map[string]*sessionPage{},
		limiters: map[string]*rate.Limiter{},
	}
}

func (d *Driver) ensureBrowser(ctx context.Context) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return d.browser, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	wsURL := strings.TrimSpace(d.cfg.ControlURL)
	if wsURL == "" {
		bin := d.cfg.Bin
		if bin == "" {
			d.log.Info("no browser binary configured, downloading default")
			path, err := launcher.NewBrowser().Get()
			if err != nil {
				return nil, fmt.Errorf("download browser: %w", err)
			}
			bin = path
		}
		l := launcher.New().
			Headless(d.cfg.Headless).
			Bin(bin).
			NoSandbox(d.cfg.NoSandbox).
			Set("disable-dev-shm-usage").
			Set("disable-gpu")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		wsURL = u
	}

	b := rod.New().Context(initCtx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect: %v", driver.ErrBrowserLost, err)
	}
	// Only the handshake is bounded by initCtx.
	b = b.Context(context.Background())
	d.browser = b
	d.log.Info("browser connected", logx.Bool("headless", d.cfg.Headless), logx.Bool("remote", d.cfg.ControlURL != ""))
	return b, nil
}

// dropBrowser forgets a browser whose connection failed so the next call
// relaunches it.
func (d *Driver) dropBrowser(cause error) {
	d.mu.Lock()
	b := d.browser
	d.browser = nil
	d.pages = map[string]*sessionPage{}
	d.mu.Unlock()
	if b != nil {
		_ = b.Close()
		d.log.Warn("browser dropped", logx.Err(cause))
	}
}

func (d *Driver) limiter(platformID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.limiters[platformID]
	if l == nil {
		l = rate.NewLimiter(rate.Limit(d.cfg.NavRatePerSec), 1)
		d.limiters[platformID] = l
	}
	return l
}

func (d *Driver) page(ctx context.Context, s driver.Session) (*sessionPage, error) {
	d.mu.Lock()
	sp := d.pages[s.ID]
	d.mu.Unlock()
	if sp != nil {
		sp.fresh = false
		return sp, nil
	}

	b, err := d.ensureBrowser(ctx)
	if err != nil {
		return nil, err
	}
	inc, err := b.Incognito()
	if err != nil {
		d.dropBrowser(err)
		return nil, fmt.Errorf("%w: incognito: %v", driver.ErrBrowserLost, err)
	}
	p, err := inc.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		_ = inc.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	p = p.Context(context.Background())
	if _, err := p.EvalOnNewDocument(stealth.JS); err != nil {
		_ = inc.Close()
		return nil, fmt.Errorf("apply stealth script: %w", err)
	}
	_ = p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent})
	if len(s.State) > 0 {
		var cookies []*proto.NetworkCookieParam
		if err := json.Unmarshal(s.State, &cookies); err != nil {
			d.log.Warn("session state is not a cookie list", logx.AccountID(s.AccountID), logx.Err(err))
		} else if err := p.SetCookies(cookies); err != nil {
			d.log.Warn("restore cookies failed", logx.AccountID(s.AccountID), logx.Err(err))
		}
	}

	sp = &sessionPage{ctx: inc, page: p, fresh: true}
	d.mu.Lock()
	d.pages[s.ID] = sp
	d.mu.Unlock()
	return sp, nil
}

func (d *Driver) navigate(ctx context.Context, s driver.Session, p *rod.Page, url string) error {
	if err := d.limiter(s.Platform).Wait(ctx); err != nil {
		return err
	}
	pc := p.Context(ctx)
	if err := pc.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := pc.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func currentURL(p *rod.Page) (string, error) {
	info, err := p.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *Driver) OpenLogin(ctx context.Context, s driver.Session, pc platform.Config) (driver.LoginTicket, error) {
	sp, err := d.page(ctx, s)
	if err != nil {
		return driver.LoginTicket{}, err
	}
	if pc.Auth.LoginURL != "" {
		if err := d.navigate(ctx, s, sp.page, pc.Auth.LoginURL); err != nil {
			return driver.LoginTicket{}, err
		}
	}
	ticket := driver.LoginTicket{URL: pc.Auth.LoginURL}
	if pc.Auth.Type == platform.AuthQRCode {
		png, err := sp.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
		if err != nil {
			d.log.Warn("login screenshot failed", logx.Platform(s.Platform), logx.Err(err))
		} else {
			ticket.QRCode = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
		}
	}
	return ticket, nil
}

// CheckLogin reports whether the session's page is past the login wall. A
// fresh page (account probe) first opens the platform's entry page so the
// platform can redirect to its login page.
func (d *Driver) CheckLogin(ctx context.Context, s driver.Session, pc platform.Config) (driver.LoginState, error) {
	sp, err := d.page(ctx, s)
	if err != nil {
		return driver.LoginState{}, err
	}
	if sp.fresh {
		target := pc.Publish.EntryURL
		if target == "" {
			target = pc.Auth.LoginURL
		}
		if target != "" {
			if err := d.navigate(ctx, s, sp.page, target); err != nil {
				return driver.LoginState{}, err
			}
		}
	}
	u, err := currentURL(sp.page)
	if err != nil {
		return driver.LoginState{}, fmt.Errorf("%w: page info: %v", driver.ErrBrowserLost, err)
	}
	st := driver.LoginState{URL: u}
	if u == "" || u == "about:blank" || pc.IsLoginURL(u) {
		return st, nil
	}
	st.LoggedIn = true
	cookies, err := sp.page.Context(ctx).Cookies(nil)
	if err != nil {
		return st, fmt.Errorf("read cookies: %w", err)
	}
	raw, err := json.Marshal(cookies)
	if err != nil {
		return st, fmt.Errorf("encode cookies: %w", err)
	}
	st.State = raw
	return st, nil
}

func (d *Driver) Navigate(ctx context.Context, s driver.Session, url string) error {
	sp, err := d.page(ctx, s)
	if err != nil {
		return err
	}
	return d.navigate(ctx, s, sp.page, url)
}

func (d *Driver) element(ctx context.Context, s driver.Session, selector string) (*sessionPage, *rod.Element, error) {
	sp, err := d.page(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	el, err := sp.page.Context(ctx).Element(selector)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: %s", driver.ErrSelectorNotFound, selector)
		}
		return nil, nil, err
	}
	return sp, el, nil
}

func (d *Driver) Fill(ctx context.Context, s driver.Session, selector, value string) error {
	_, el, err := d.element(ctx, s, selector)
	if err != nil {
		return err
	}
	// Rich editors reject SelectAllText; typing still replaces the caret
	// position.
	_ = el.SelectAllText()
	if err := el.Input(value); err != nil {
		return fmt.Errorf("input %s: %w", selector, err)
	}
	return nil
}

func (d *Driver) Submit(ctx context.Context, s driver.Session, selector string) error {
	sp, el, err := d.element(ctx, s, selector)
	if err != nil {
		return err
	}
	if u, err := currentURL(sp.page); err == nil {
		sp.submitURL = u
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Confirm waits for the page to leave the URL it was submitted from. A
// redirect to a login page is a rejection; no change before ctx ends is
// ErrUnconfirmed.
func (d *Driver) Confirm(ctx context.Context, s driver.Session, pc platform.Config) (driver.Confirmation, error) {
	sp, err := d.page(ctx, s)
	if err != nil {
		return driver.Confirmation{}, err
	}
	t := time.NewTicker(confirmPoll)
	defer t.Stop()
	for {
		u, err := currentURL(sp.page)
		if err != nil {
			return driver.Confirmation{}, fmt.Errorf("%w: page info: %v", driver.ErrBrowserLost, err)
		}
		if pc.IsLoginURL(u) {
			return driver.Confirmation{}, fmt.Errorf("%w: redirected to login", driver.ErrRejected)
		}
		if u != "" && u != sp.submitURL {
			return driver.Confirmation{URL: u}, nil
		}
		select {
		case <-ctx.Done():
			return driver.Confirmation{}, driver.ErrUnconfirmed
		case <-t.C:
		}
	}
}

func (d *Driver) Close(ctx context.Context, s driver.Session) error {
	d.mu.Lock()
	sp := d.pages[s.ID]
	delete(d.pages, s.ID)
	d.mu.Unlock()
	if sp == nil {
		return nil
	}
	_ = sp.page.Close()
	return sp.ctx.Close()
}

// Shutdown closes every page and the browser.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	b := d.browser
	d.browser = nil
	pages := d.pages
	d.pages = map[string]*sessionPage{}
	d.mu.Unlock()
	for _, sp := range pages {
		_ = sp.page.Close()
	}
	if b == nil {
		return nil
	}
	return b.Close()
}

var _ driver.Driver = (*Driver)(nil)
