// Package catalog loads the hierarchical agencies.yaml feed catalog and
// flattens it into the per-feed specs the archiver schedules.
package catalog

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
)

// SecretMarker is the placeholder inside an auth value template that the
// secret resolver replaces with the secret payload.
const SecretMarker = "${SECRET}"

const (
	minIntervalSeconds = 5
	maxIntervalSeconds = 3600

	minTimeoutSeconds = 1
	maxTimeoutSeconds = 120

	minRetryAttempts = 1
	maxRetryAttempts = 10

	minBackoffBase = 0.1
	maxBackoffBase = 10.0

	minBackoffMax = 1.0
	maxBackoffMax = 60.0
)

var (
	idRegexp         = regexp.MustCompile(`^[a-z0-9-]+$`)
	secretNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// FeedType enumerates the GTFS-Realtime feed kinds the archiver understands.
type FeedType string

const (
	VehiclePositions FeedType = "vehicle_positions"
	TripUpdates      FeedType = "trip_updates"
	ServiceAlerts    FeedType = "service_alerts"
)

// AllFeedTypes returns the known feed types in stable order.
func AllFeedTypes() []FeedType {
	return []FeedType{VehiclePositions, TripUpdates, ServiceAlerts}
}

// ParseFeedType validates a feed type string from outside the catalog, e.g.
// a CLI argument or an archive key.
func ParseFeedType(s string) (FeedType, error) {
	t := FeedType(s)
	if !t.valid() {
		return "", fmt.Errorf("unknown feed type %q, expected one of %v", s, AllFeedTypes())
	}
	return t, nil
}

func (t FeedType) valid() bool {
	switch t {
	case VehiclePositions, TripUpdates, ServiceAlerts:
		return true
	}
	return false
}

// Hyphenated returns the feed type with underscores replaced by hyphens,
// the form used inside generated feed ids.
func (t FeedType) Hyphenated() string {
	out := make([]byte, len(t))
	for i := 0; i < len(t); i++ {
		if t[i] == '_' {
			out[i] = '-'
		} else {
			out[i] = t[i]
		}
	}
	return string(out)
}

// Title returns the human form of the feed type, e.g. "Vehicle Positions".
func (t FeedType) Title() string {
	out := make([]byte, len(t))
	up := true
	for i := 0; i < len(t); i++ {
		c := t[i]
		switch {
		case c == '_':
			out[i] = ' '
			up = true
		case up && c >= 'a' && c <= 'z':
			out[i] = c - ('a' - 'A')
			up = false
		default:
			out[i] = c
			up = false
		}
	}
	return string(out)
}

// AuthPlacement says where a credential is injected into the request.
type AuthPlacement string

const (
	AuthHeader AuthPlacement = "header"
	AuthQuery  AuthPlacement = "query"
)

// AuthConfig references a secret-store credential and describes how to apply
// it to a feed request.
type AuthConfig struct {
	Type       AuthPlacement `yaml:"type"`
	SecretName string        `yaml:"secret_name"`
	Key        string        `yaml:"key"`
	Value      string        `yaml:"value"`

	// ResolvedValue is populated once by the secret resolver. It is never
	// serialized anywhere.
	ResolvedValue string `yaml:"-" json:"-"`
}

// UnmarshalYAML applies the template default before decoding so an omitted
// value means "the secret verbatim".
func (c *AuthConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawAuth AuthConfig
	raw := rawAuth{Value: SecretMarker}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*c = AuthConfig(raw)
	return nil
}

func (c *AuthConfig) validate(path string) error {
	if c.Type != AuthHeader && c.Type != AuthQuery {
		return fmt.Errorf("%s: auth type must be %q or %q, got %q", path, AuthHeader, AuthQuery, c.Type)
	}
	if !secretNameRegexp.MatchString(c.SecretName) {
		return fmt.Errorf("%s: auth secret_name %q must match %s", path, c.SecretName, secretNameRegexp)
	}
	if c.Key == "" {
		return fmt.Errorf("%s: auth key must not be empty", path)
	}
	return nil
}

// RetryConfig bounds the fetcher's exponential backoff on transient failures.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BackoffBase float64 `yaml:"backoff_base"`
	BackoffMax  float64 `yaml:"backoff_max"`
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BackoffBase: 1.0,
		BackoffMax:  10.0,
	}
}

// UnmarshalYAML seeds defaults so partially specified retry blocks inherit
// the remaining fields.
func (c *RetryConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawRetry RetryConfig
	raw := rawRetry(defaultRetryConfig())
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*c = RetryConfig(raw)
	return nil
}

func (c *RetryConfig) validate(path string) error {
	if c.MaxAttempts < minRetryAttempts || c.MaxAttempts > maxRetryAttempts {
		return fmt.Errorf("%s: retry max_attempts %d outside [%d, %d]", path, c.MaxAttempts, minRetryAttempts, maxRetryAttempts)
	}
	if c.BackoffBase < minBackoffBase || c.BackoffBase > maxBackoffBase {
		return fmt.Errorf("%s: retry backoff_base %g outside [%g, %g]", path, c.BackoffBase, minBackoffBase, maxBackoffBase)
	}
	if c.BackoffMax < minBackoffMax || c.BackoffMax > maxBackoffMax {
		return fmt.Errorf("%s: retry backoff_max %g outside [%g, %g]", path, c.BackoffMax, minBackoffMax, maxBackoffMax)
	}
	return nil
}

// IntervalDefaults holds the per-feed-type default polling interval.
type IntervalDefaults struct {
	VehiclePositions int `yaml:"vehicle_positions"`
	TripUpdates      int `yaml:"trip_updates"`
	ServiceAlerts    int `yaml:"service_alerts"`
}

func defaultIntervals() IntervalDefaults {
	return IntervalDefaults{
		VehiclePositions: 20,
		TripUpdates:      20,
		ServiceAlerts:    60,
	}
}

// UnmarshalYAML seeds defaults so partially specified interval blocks inherit
// the remaining fields.
func (d *IntervalDefaults) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawIntervals IntervalDefaults
	raw := rawIntervals(defaultIntervals())
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*d = IntervalDefaults(raw)
	return nil
}

// ForType returns the default interval for one feed type.
func (d IntervalDefaults) ForType(t FeedType) int {
	switch t {
	case TripUpdates:
		return d.TripUpdates
	case ServiceAlerts:
		return d.ServiceAlerts
	default:
		return d.VehiclePositions
	}
}

func (d IntervalDefaults) validate() error {
	for _, t := range AllFeedTypes() {
		if v := d.ForType(t); v < minIntervalSeconds || v > maxIntervalSeconds {
			return fmt.Errorf("defaults.intervals.%s %d outside [%d, %d]", t, v, minIntervalSeconds, maxIntervalSeconds)
		}
	}
	return nil
}

// Defaults is the top-level defaults block applied to every feed that does
// not override a field.
type Defaults struct {
	Intervals      IntervalDefaults `yaml:"intervals"`
	TimeoutSeconds int              `yaml:"timeout_seconds"`
	Retry          RetryConfig      `yaml:"retry"`
}

func defaultDefaults() Defaults {
	return Defaults{
		Intervals:      defaultIntervals(),
		TimeoutSeconds: 30,
		Retry:          defaultRetryConfig(),
	}
}

func (d *Defaults) validate() error {
	if err := d.Intervals.validate(); err != nil {
		return err
	}
	if d.TimeoutSeconds < minTimeoutSeconds || d.TimeoutSeconds > maxTimeoutSeconds {
		return fmt.Errorf("defaults.timeout_seconds %d outside [%d, %d]", d.TimeoutSeconds, minTimeoutSeconds, maxTimeoutSeconds)
	}
	return d.Retry.validate("defaults")
}

// RealtimeFeed is one feed entry as written in the catalog, before
// inheritance is applied. Optional fields are pointers so an absent value
// can fall through to the parent scope.
type RealtimeFeed struct {
	FeedType        FeedType     `yaml:"feed_type"`
	URL             string       `yaml:"url"`
	Name            string       `yaml:"name,omitempty"`
	IntervalSeconds *int         `yaml:"interval_seconds,omitempty"`
	TimeoutSeconds  *int         `yaml:"timeout_seconds,omitempty"`
	Retry           *RetryConfig `yaml:"retry,omitempty"`
	Auth            *AuthConfig  `yaml:"auth,omitempty"`
}

func (f *RealtimeFeed) validate(path string) error {
	if !f.FeedType.valid() {
		return fmt.Errorf("%s: unknown feed_type %q", path, f.FeedType)
	}
	u, err := url.Parse(f.URL)
	if err != nil {
		return fmt.Errorf("%s: invalid url %q: %w", path, f.URL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: url %q must be absolute http or https", path, f.URL)
	}
	if f.IntervalSeconds != nil && (*f.IntervalSeconds < minIntervalSeconds || *f.IntervalSeconds > maxIntervalSeconds) {
		return fmt.Errorf("%s: interval_seconds %d outside [%d, %d]", path, *f.IntervalSeconds, minIntervalSeconds, maxIntervalSeconds)
	}
	if f.TimeoutSeconds != nil && (*f.TimeoutSeconds < minTimeoutSeconds || *f.TimeoutSeconds > maxTimeoutSeconds) {
		return fmt.Errorf("%s: timeout_seconds %d outside [%d, %d]", path, *f.TimeoutSeconds, minTimeoutSeconds, maxTimeoutSeconds)
	}
	if f.Retry != nil {
		if err := f.Retry.validate(path); err != nil {
			return err
		}
	}
	if f.Auth != nil {
		if err := f.Auth.validate(path); err != nil {
			return err
		}
	}
	return nil
}

// System is a named sub-network of an agency carrying its own feeds, with
// optional auth and schedule overrides.
type System struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	ScheduleURL string         `yaml:"schedule_url,omitempty"`
	Auth        *AuthConfig    `yaml:"auth,omitempty"`
	Feeds       []RealtimeFeed `yaml:"feeds"`
}

func (s *System) validate(agencyID string) error {
	path := fmt.Sprintf("agency %q system %q", agencyID, s.ID)
	if !idRegexp.MatchString(s.ID) {
		return fmt.Errorf("%s: id must match %s", path, idRegexp)
	}
	if len(s.Feeds) == 0 {
		return fmt.Errorf("%s: must have at least one feed", path)
	}
	if s.Auth != nil {
		if err := s.Auth.validate(path); err != nil {
			return err
		}
	}
	for i := range s.Feeds {
		if err := s.Feeds[i].validate(fmt.Sprintf("%s feed[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

// Agency is the top of the catalog hierarchy. It carries either direct feeds
// or systems, never both.
type Agency struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	ScheduleURL string         `yaml:"schedule_url,omitempty"`
	Auth        *AuthConfig    `yaml:"auth,omitempty"`
	Feeds       []RealtimeFeed `yaml:"feeds,omitempty"`
	Systems     []System       `yaml:"systems,omitempty"`
}

func (a *Agency) validate() error {
	path := fmt.Sprintf("agency %q", a.ID)
	if !idRegexp.MatchString(a.ID) {
		return fmt.Errorf("%s: id must match %s", path, idRegexp)
	}
	if len(a.Feeds) > 0 && len(a.Systems) > 0 {
		return fmt.Errorf("%s: cannot have both feeds and systems", path)
	}
	if len(a.Feeds) == 0 && len(a.Systems) == 0 {
		return fmt.Errorf("%s: must have either feeds or systems", path)
	}
	if a.Auth != nil {
		if err := a.Auth.validate(path); err != nil {
			return err
		}
	}
	for i := range a.Systems {
		if err := a.Systems[i].validate(a.ID); err != nil {
			return err
		}
	}
	for i := range a.Feeds {
		if err := a.Feeds[i].validate(fmt.Sprintf("%s feed[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

// File is the parsed agencies.yaml document.
type File struct {
	Defaults Defaults `yaml:"defaults"`
	Agencies []Agency `yaml:"agencies"`
}

func (f *File) validate() error {
	if err := f.Defaults.validate(); err != nil {
		return err
	}
	for i := range f.Agencies {
		if err := f.Agencies[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// Parse decodes and validates a catalog document. Unknown fields are
// rejected so typos surface at startup instead of silently inheriting
// defaults.
func Parse(data []byte) (*File, error) {
	f := &File{Defaults: defaultDefaults()}
	if err := yaml.UnmarshalStrict(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads, validates and flattens a catalog file into feed specs.
func Load(path string) ([]FeedSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return f.Flatten()
}
