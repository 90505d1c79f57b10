// Package drivertest provides a scriptable in-memory driver.Driver for tests.
package drivertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"geopub/internal/driver"
	"geopub/internal/platform"
)

const (
	OpenLogin  = "open_login"
	CheckLogin = "check_login"
	Navigate   = "navigate"
	Fill       = "fill"
	Submit     = "submit"
	Confirm    = "confirm"
	Close      = "close"
)

// Call is one recorded driver invocation.
type Call struct {
	Method    string
	SessionID string
	AccountID int64
	Arg       string
}

// Fake records calls and answers from scripted state. The zero value is not
// usable; call New.
type Fake struct {
	mu sync.Mutex

	calls    []Call
	errs     map[string][]error
	loggedIn map[int64]bool

	// Delay is applied to every call except Close and honours ctx.
	Delay time.Duration
	// Hook runs before every call; a non-nil return becomes the call result.
	Hook func(ctx context.Context, method string, s driver.Session) error

	URL    string
	QRCode string

	inFlight    int
	maxInFlight int
}

func New() *Fake {
	return &Fake{
		errs:     map[string][]error{},
		loggedIn: map[int64]bool{},
		URL:      "https://example.com/p/1",
		QRCode:   "data:image/png;base64,iVBORw0KGgo=",
	}
}

// SetLoggedIn scripts CheckLogin for an account.
func (f *Fake) SetLoggedIn(accountID int64, v bool) {
	f.mu.Lock()
	f.loggedIn[accountID] = v
	f.mu.Unlock()
}

// FailNext queues errors returned by the next calls of method, one per call.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	f.errs[method] = append(f.errs[method], errs...)
	f.mu.Unlock()
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns the number of calls of method; an empty method counts all
// calls except Close.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if method == "" && c.Method != Close || c.Method == method {
			n++
		}
	}
	return n
}

// CountFor counts the non-Close calls made for one account.
func (f *Fake) CountFor(accountID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.AccountID == accountID && c.Method != Close {
			n++
		}
	}
	return n
}

// MaxInFlight is the highest number of simultaneously running calls seen.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *Fake) enter(ctx context.Context, method string, s driver.Session, arg string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, SessionID: s.ID, AccountID: s.AccountID, Arg: arg})
	var err error
	if q := f.errs[method]; len(q) > 0 {
		err, f.errs[method] = q[0], q[1:]
	}
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	delay, hook := f.Delay, f.Hook
	f.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, method, s); herr != nil && err == nil {
			err = herr
		}
	}
	if delay > 0 && method != Close {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			if err == nil {
				err = ctx.Err()
			}
		case <-t.C:
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (f *Fake) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *Fake) OpenLogin(ctx context.Context, s driver.Session, p platform.Config) (driver.LoginTicket, error) {
	defer f.leave()
	if err := f.enter(ctx, OpenLogin, s, p.Auth.LoginURL); err != nil {
		return driver.LoginTicket{}, err
	}
	return driver.LoginTicket{QRCode: f.QRCode, URL: p.Auth.LoginURL}, nil
}

func (f *Fake) CheckLogin(ctx context.Context, s driver.Session, p platform.Config) (driver.LoginState, error) {
	defer f.leave()
	if err := f.enter(ctx, CheckLogin, s, ""); err != nil {
		return driver.LoginState{}, err
	}
	f.mu.Lock()
	ok := f.loggedIn[s.AccountID]
	f.mu.Unlock()
	if !ok {
		return driver.LoginState{URL: p.Auth.LoginURL}, nil
	}
	state, _ := json.Marshal([]map[string]string{{"name": "session", "value": fmt.Sprintf("acc-%d", s.AccountID)}})
	return driver.LoginState{LoggedIn: true, URL: p.Publish.EntryURL, State: state}, nil
}

func (f *Fake) Navigate(ctx context.Context, s driver.Session, url string) error {
	defer f.leave()
	return f.enter(ctx, Navigate, s, url)
}

func (f *Fake) Fill(ctx context.Context, s driver.Session, selector, value string) error {
	defer f.leave()
	return f.enter(ctx, Fill, s, selector)
}

func (f *Fake) Submit(ctx context.Context, s driver.Session, selector string) error {
	defer f.leave()
	return f.enter(ctx, Submit, s, selector)
}

func (f *Fake) Confirm(ctx context.Context, s driver.Session, p platform.Config) (driver.Confirmation, error) {
	defer f.leave()
	if err := f.enter(ctx, Confirm, s, ""); err != nil {
		return driver.Confirmation{}, err
	}
	return driver.Confirmation{URL: f.URL}, nil
}

// Close is recorded but never fails and ignores Delay.
func (f *Fake) Close(ctx context.Context, s driver.Session) error {
	defer f.leave()
	_ = f.enter(context.WithoutCancel(ctx), Close, s, "")
	return nil
}

var _ driver.Driver = (*Fake)(nil)
