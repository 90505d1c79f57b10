// Package platform is the immutable catalogue of publishing platforms.
package platform

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"geopub/internal/model"
)

//go:embed platforms.yaml
var defaultCatalogue []byte

// Registry is safe for concurrent use; it has no mutators.
type Registry struct {
	list []Config
	byID map[string]int
}

// Default loads the built-in catalogue.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultCatalogue))
}

// LoadFile loads a catalogue from path. An empty path means Default.
func LoadFile(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, model.Wrap(model.KindConfiguration, "platform.load", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses and validates a YAML catalogue. Any invalid entry fails the
// whole load.
func Load(r io.Reader) (*Registry, error) {
	var doc catalogueFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, model.Wrap(model.KindConfiguration, "platform.load", err)
	}
	if len(doc.Platforms) == 0 {
		return nil, model.Errorf(model.KindConfiguration, "platform.load", "no platforms defined")
	}

	reg := &Registry{byID: make(map[string]int, len(doc.Platforms))}
	for i, raw := range doc.Platforms {
		c, err := raw.compile()
		if err != nil {
			id := raw.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			return nil, model.Errorf(model.KindConfiguration, "platform.load", "platform %s: %v", id, err)
		}
		if _, dup := reg.byID[c.ID]; dup {
			return nil, model.Errorf(model.KindConfiguration, "platform.load", "platform %s: duplicate id", c.ID)
		}
		reg.byID[c.ID] = len(reg.list)
		reg.list = append(reg.list, c)
	}
	return reg, nil
}

// Lookup returns the platform with id.
func (r *Registry) Lookup(id string) (Config, error) {
	i, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Config{}, model.Errorf(model.KindConfiguration, "platform.lookup", "unknown platform %q", id)
	}
	return r.list[i], nil
}

// List returns all platforms in catalogue order.
func (r *Registry) List() []Config {
	out := make([]Config, len(r.list))
	copy(out, r.list)
	return out
}

func (r *Registry) IDs() []string {
	out := make([]string, len(r.list))
	for i, c := range r.list {
		out[i] = c.ID
	}
	return out
}

func (r *Registry) Len() int { return len(r.list) }

type catalogueFile struct {
	Platforms []rawPlatform `yaml:"platforms"`
}

type rawPlatform struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Code           string   `yaml:"code"`
	Icon           string   `yaml:"icon"`
	Color          string   `yaml:"color"`
	AllowBlankURLs bool     `yaml:"allow_blank_urls"`
	Features       Features `yaml:"features"`
	Auth           struct {
		Type          string   `yaml:"type"`
		LoginURL      string   `yaml:"login_url"`
		CheckInterval string   `yaml:"check_interval"`
		MaxWait       string   `yaml:"max_wait"`
		LoginPatterns []string `yaml:"login_patterns"`
	} `yaml:"auth"`
	Publish struct {
		EntryURL  string    `yaml:"entry_url"`
		Selectors Selectors `yaml:"selectors"`
		Waits     struct {
			AfterLoad   string `yaml:"after_load"`
			AfterFill   string `yaml:"after_fill"`
			AfterSubmit string `yaml:"after_submit"`
		} `yaml:"waits"`
	} `yaml:"publish"`
	Limits struct {
		TitleLength   [2]int `yaml:"title_length"`
		ContentLength [2]int `yaml:"content_length"`
		ImageCount    int    `yaml:"image_count"`
	} `yaml:"limits"`
}

func (raw rawPlatform) compile() (Config, error) {
	c := Config{
		ID:             strings.TrimSpace(raw.ID),
		Name:           strings.TrimSpace(raw.Name),
		Code:           raw.Code,
		Icon:           raw.Icon,
		Color:          raw.Color,
		Features:       raw.Features,
		AllowBlankURLs: raw.AllowBlankURLs,
	}
	if c.ID == "" {
		return c, fmt.Errorf("id is required")
	}
	if c.Name == "" {
		c.Name = c.ID
	}

	switch t := AuthType(strings.ToLower(strings.TrimSpace(raw.Auth.Type))); t {
	case AuthQRCode, AuthPassword, AuthOAuth:
		c.Auth.Type = t
	default:
		return c, fmt.Errorf("auth.type %q is not one of qrcode, password, oauth", raw.Auth.Type)
	}

	var err error
	if c.Auth.CheckInterval, err = parseDuration("auth.check_interval", raw.Auth.CheckInterval); err != nil {
		return c, err
	}
	if c.Auth.MaxWait, err = parseDuration("auth.max_wait", raw.Auth.MaxWait); err != nil {
		return c, err
	}
	if c.Auth.CheckInterval <= 0 {
		return c, fmt.Errorf("auth.check_interval must be > 0")
	}
	if c.Auth.MaxWait < c.Auth.CheckInterval {
		return c, fmt.Errorf("auth.max_wait (%s) must be >= auth.check_interval (%s)", c.Auth.MaxWait, c.Auth.CheckInterval)
	}

	c.Auth.LoginURL = strings.TrimSpace(raw.Auth.LoginURL)
	c.Publish.EntryURL = strings.TrimSpace(raw.Publish.EntryURL)
	if !c.AllowBlankURLs {
		if c.Auth.LoginURL == "" {
			return c, fmt.Errorf("auth.login_url is required")
		}
		if c.Publish.EntryURL == "" {
			return c, fmt.Errorf("publish.entry_url is required")
		}
	}

	for _, p := range raw.Auth.LoginPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return c, fmt.Errorf("auth.login_patterns: %w", err)
		}
		c.Auth.LoginPatterns = append(c.Auth.LoginPatterns, p)
		c.Auth.patterns = append(c.Auth.patterns, re)
	}

	c.Publish.Selectors = raw.Publish.Selectors
	if c.Publish.Waits.AfterLoad, err = parseDuration("publish.waits.after_load", raw.Publish.Waits.AfterLoad); err != nil {
		return c, err
	}
	if c.Publish.Waits.AfterFill, err = parseDuration("publish.waits.after_fill", raw.Publish.Waits.AfterFill); err != nil {
		return c, err
	}
	if c.Publish.Waits.AfterSubmit, err = parseDuration("publish.waits.after_submit", raw.Publish.Waits.AfterSubmit); err != nil {
		return c, err
	}

	c.Limits.TitleLength = Range{Min: raw.Limits.TitleLength[0], Max: raw.Limits.TitleLength[1]}
	c.Limits.ContentLength = Range{Min: raw.Limits.ContentLength[0], Max: raw.Limits.ContentLength[1]}
	c.Limits.ImageCount = raw.Limits.ImageCount
	if c.Limits.TitleLength.Min < 0 || c.Limits.TitleLength.Min > c.Limits.TitleLength.Max {
		return c, fmt.Errorf("limits.title_length [%d, %d] is not a valid range", c.Limits.TitleLength.Min, c.Limits.TitleLength.Max)
	}
	if c.Limits.ContentLength.Min < 0 || c.Limits.ContentLength.Min > c.Limits.ContentLength.Max {
		return c, fmt.Errorf("limits.content_length [%d, %d] is not a valid range", c.Limits.ContentLength.Min, c.Limits.ContentLength.Max)
	}
	if c.Limits.ImageCount < 0 {
		return c, fmt.Errorf("limits.image_count must be >= 0")
	}
	return c, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", field)
	}
	return d, nil
}
