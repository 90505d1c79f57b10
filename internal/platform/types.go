package platform

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"geopub/internal/model"
)

type AuthType string

const (
	AuthQRCode   AuthType = "qrcode"
	AuthPassword AuthType = "password"
	AuthOAuth    AuthType = "oauth"
)

// Config describes one publishing platform. Values handed out by the
// Registry are copies; the compiled login patterns are shared read-only.
type Config struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Code           string   `json:"code"`
	Icon           string   `json:"icon"`
	Color          string   `json:"color"`
	Features       Features `json:"features"`
	Auth           Auth     `json:"auth"`
	Publish        Publish  `json:"publish"`
	Limits         Limits   `json:"limits"`
	AllowBlankURLs bool     `json:"allow_blank_urls,omitempty"`
}

type Features struct {
	Article  bool `json:"article" yaml:"article"`
	Video    bool `json:"video" yaml:"video"`
	Image    bool `json:"image" yaml:"image"`
	Draft    bool `json:"draft" yaml:"draft"`
	Schedule bool `json:"schedule" yaml:"schedule"`
}

type Auth struct {
	Type          AuthType      `json:"type"`
	LoginURL      string        `json:"login_url"`
	CheckInterval time.Duration `json:"check_interval"`
	MaxWait       time.Duration `json:"max_wait"`
	LoginPatterns []string      `json:"login_patterns,omitempty"`

	patterns []*regexp.Regexp
}

type Publish struct {
	EntryURL  string    `json:"entry_url"`
	Selectors Selectors `json:"selectors"`
	Waits     Waits     `json:"waits"`
}

type Selectors struct {
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content" yaml:"content"`
	Submit  string `json:"submit" yaml:"submit"`
}

type Waits struct {
	AfterLoad   time.Duration `json:"after_load"`
	AfterFill   time.Duration `json:"after_fill"`
	AfterSubmit time.Duration `json:"after_submit"`
}

// Range is an inclusive [Min, Max] bound.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (r Range) Contains(n int) bool { return n >= r.Min && n <= r.Max }

type Limits struct {
	TitleLength   Range `json:"title_length"`
	ContentLength Range `json:"content_length"`
	ImageCount    int   `json:"image_count"`
}

var fallbackLoginPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/login`),
	regexp.MustCompile(`(?i)/signin`),
}

// IsLoginURL reports whether url looks like the platform's login page.
func (c Config) IsLoginURL(url string) bool {
	pats := c.Auth.patterns
	if len(pats) == 0 {
		pats = fallbackLoginPatterns
	}
	for _, re := range pats {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// CheckArticle validates a against the platform limits. Lengths count
// characters, not bytes.
func (c Config) CheckArticle(a model.Article) error {
	const op = "publish.validate"
	title := utf8.RuneCountInString(strings.TrimSpace(a.Title))
	if !c.Limits.TitleLength.Contains(title) {
		return model.Errorf(model.KindValidation, op, "%s: title length %d outside [%d, %d]",
			c.Name, title, c.Limits.TitleLength.Min, c.Limits.TitleLength.Max)
	}
	content := utf8.RuneCountInString(a.Content)
	if !c.Limits.ContentLength.Contains(content) {
		return model.Errorf(model.KindValidation, op, "%s: content length %d outside [%d, %d]",
			c.Name, content, c.Limits.ContentLength.Min, c.Limits.ContentLength.Max)
	}
	if len(a.Images) > c.Limits.ImageCount {
		return model.Errorf(model.KindValidation, op, "%s: %d images exceeds limit %d",
			c.Name, len(a.Images), c.Limits.ImageCount)
	}
	return nil
}
