// Package driver defines the browser automation boundary used by login and
// publish flows, plus the classification of driver failures into the error
// taxonomy.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"geopub/internal/model"
	"geopub/internal/platform"
)

// Session identifies one automation context. ID scopes the underlying page:
// an auth task id or a publish task id. State is the opaque cookie jar
// restored into a fresh context and returned on successful login.
type Session struct {
	ID        string
	AccountID int64
	Platform  string
	State     json.RawMessage
}

// LoginTicket is what the dashboard shows the operator after OpenLogin.
type LoginTicket struct {
	// QRCode is a data URL (base64 PNG) of the login page, if captured.
	QRCode string
	URL    string
}

type LoginState struct {
	LoggedIn bool
	URL      string
	// State is the session's cookie jar, set when LoggedIn.
	State json.RawMessage
}

type Confirmation struct {
	URL string
}

// Driver performs one browser step per call. Every call must return once
// ctx is done.
type Driver interface {
	OpenLogin(ctx context.Context, s Session, p platform.Config) (LoginTicket, error)
	CheckLogin(ctx context.Context, s Session, p platform.Config) (LoginState, error)
	Navigate(ctx context.Context, s Session, url string) error
	Fill(ctx context.Context, s Session, selector, value string) error
	Submit(ctx context.Context, s Session, selector string) error
	Confirm(ctx context.Context, s Session, p platform.Config) (Confirmation, error)
	Close(ctx context.Context, s Session) error
}

var (
	ErrSelectorNotFound = errors.New("driver: selector not found")
	ErrBrowserLost      = errors.New("driver: browser connection lost")
	ErrNoSession        = errors.New("driver: no page for session")
	ErrRejected         = errors.New("driver: rejected by platform")
	ErrCaptcha          = errors.New("driver: captcha required")
	ErrUnconfirmed      = errors.New("driver: submission not confirmed")
	ErrDisabled         = errors.New("driver: browser automation is disabled")
)

var (
	rejectionKeywords = []string{"captcha", "验证码", "forbidden", "403", "access denied", "rejected", "违规", "审核不通过"}
	transientKeywords = []string{"timeout", "deadline exceeded", "net::", "connection", "navigate", "websocket", "eof", "not found"}
)

// Classify maps a driver error onto the error taxonomy. Typed errors win
// over keyword matching and unrecognized failures count as transient.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return ""
	}
	var me *model.Error
	switch {
	case errors.As(err, &me):
		return me.Kind
	case errors.Is(err, ErrDisabled):
		return model.KindConfiguration
	case errors.Is(err, context.Canceled):
		return model.KindCancelled
	case errors.Is(err, ErrRejected), errors.Is(err, ErrCaptcha), errors.Is(err, ErrUnconfirmed):
		return model.KindPlatformRejection
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrSelectorNotFound),
		errors.Is(err, ErrBrowserLost),
		errors.Is(err, ErrNoSession):
		return model.KindTransientDriver
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range rejectionKeywords {
		if strings.Contains(msg, kw) {
			return model.KindPlatformRejection
		}
	}
	for _, kw := range transientKeywords {
		if strings.Contains(msg, kw) {
			return model.KindTransientDriver
		}
	}
	return model.KindTransientDriver
}

// Wrap classifies a publish-step failure.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	return model.Wrap(Classify(err), op, err)
}

// WrapLogin classifies a login failure: a platform rejection during login
// is an auth failure.
func WrapLogin(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	kind := Classify(err)
	if kind == model.KindPlatformRejection {
		kind = model.KindAuth
	}
	return model.Wrap(kind, op, err)
}

// Disabled fails every call with ErrDisabled.
type Disabled struct{}

func (Disabled) OpenLogin(context.Context, Session, platform.Config) (LoginTicket, error) {
	return LoginTicket{}, ErrDisabled
}

func (Disabled) CheckLogin(context.Context, Session, platform.Config) (LoginState, error) {
	return LoginState{}, ErrDisabled
}

func (Disabled) Navigate(context.Context, Session, string) error     { return ErrDisabled }
func (Disabled) Fill(context.Context, Session, string, string) error { return ErrDisabled }
func (Disabled) Submit(context.Context, Session, string) error       { return ErrDisabled }
func (Disabled) Close(context.Context, Session) error                { return nil }

func (Disabled) Confirm(context.Context, Session, platform.Config) (Confirmation, error) {
	return Confirmation{}, ErrDisabled
}
