package catalog

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// FeedSpec is one fully resolved feed after flattening the catalog
// hierarchy. It is immutable after load except for Auth.ResolvedValue,
// which the secret resolver populates once at startup.
type FeedSpec struct {
	ID          string
	Name        string
	URL         string
	FeedType    FeedType
	AgencyID    string
	AgencyName  string
	SystemID    string
	SystemName  string
	ScheduleURL string

	IntervalSeconds int
	TimeoutSeconds  int
	Retry           RetryConfig
	Auth            *AuthConfig
}

// Interval is the polling period.
func (s *FeedSpec) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Timeout is the per-request deadline.
func (s *FeedSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// OwnedBy reports whether the replica at shardIndex owns this feed when the
// catalog is split across totalShards replicas.
func (s *FeedSpec) OwnedBy(shardIndex, totalShards int) bool {
	if totalShards <= 1 {
		return true
	}
	return Shard(s.ID, totalShards) == shardIndex
}

// StartupOffset delays a feed's first tick so a fleet restart spreads
// requests across each feed's interval instead of firing everything at t=0.
// The offset is deterministic per feed id.
func (s *FeedSpec) StartupOffset() time.Duration {
	return time.Duration(md5Mod(s.ID, s.IntervalSeconds)) * time.Second
}

// Shard maps a feed id onto one of totalShards replicas. MD5 is used for
// cross-process determinism, not security.
func Shard(feedID string, totalShards int) int {
	if totalShards <= 1 {
		return 0
	}
	return md5Mod(feedID, totalShards)
}

func md5Mod(s string, m int) int {
	sum := md5.Sum([]byte(s))
	n := new(big.Int).SetBytes(sum[:])
	return int(new(big.Int).Mod(n, big.NewInt(int64(m))).Int64())
}

// FeedID derives the stable feed identifier {agency}[-{system}]-{feed-type}.
func FeedID(agencyID, systemID string, t FeedType) string {
	parts := []string{agencyID}
	if systemID != "" {
		parts = append(parts, systemID)
	}
	parts = append(parts, t.Hyphenated())
	return strings.Join(parts, "-")
}

// FeedName derives the human-readable name used when a feed does not set one.
func FeedName(agencyName, systemName string, t FeedType) string {
	if systemName != "" {
		return agencyName + " " + systemName + " " + t.Title()
	}
	return agencyName + " " + t.Title()
}

// Flatten walks the agency hierarchy and produces one FeedSpec per realtime
// feed, applying inheritance feed > system > agency > file defaults for
// auth, and feed > defaults for interval, timeout and retry. Generated feed
// ids must be unique across the whole catalog.
func (f *File) Flatten() ([]FeedSpec, error) {
	var specs []FeedSpec

	for i := range f.Agencies {
		agency := &f.Agencies[i]
		if len(agency.Systems) > 0 {
			for j := range agency.Systems {
				system := &agency.Systems[j]
				for k := range system.Feeds {
					specs = append(specs, flattenFeed(&system.Feeds[k], agency, system, &f.Defaults))
				}
			}
			continue
		}
		for k := range agency.Feeds {
			specs = append(specs, flattenFeed(&agency.Feeds[k], agency, nil, &f.Defaults))
		}
	}

	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if _, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("duplicate feed id %q: each (agency, system, feed_type) must be unique", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	return specs, nil
}

func flattenFeed(feed *RealtimeFeed, agency *Agency, system *System, defaults *Defaults) FeedSpec {
	systemID, systemName := "", ""
	scheduleURL := agency.ScheduleURL
	var systemAuth *AuthConfig
	if system != nil {
		systemID, systemName = system.ID, system.Name
		if system.ScheduleURL != "" {
			scheduleURL = system.ScheduleURL
		}
		systemAuth = system.Auth
	}

	name := feed.Name
	if name == "" {
		name = FeedName(agency.Name, systemName, feed.FeedType)
	}

	interval := defaults.Intervals.ForType(feed.FeedType)
	if feed.IntervalSeconds != nil {
		interval = *feed.IntervalSeconds
	}
	timeout := defaults.TimeoutSeconds
	if feed.TimeoutSeconds != nil {
		timeout = *feed.TimeoutSeconds
	}
	retry := defaults.Retry
	if feed.Retry != nil {
		retry = *feed.Retry
	}

	auth := feed.Auth
	if auth == nil {
		auth = systemAuth
	}
	if auth == nil {
		auth = agency.Auth
	}
	if auth != nil {
		// Each spec owns its auth so resolution never aliases across feeds.
		cp := *auth
		auth = &cp
	}

	return FeedSpec{
		ID:              FeedID(agency.ID, systemID, feed.FeedType),
		Name:            name,
		URL:             feed.URL,
		FeedType:        feed.FeedType,
		AgencyID:        agency.ID,
		AgencyName:      agency.Name,
		SystemID:        systemID,
		SystemName:      systemName,
		ScheduleURL:     scheduleURL,
		IntervalSeconds: interval,
		TimeoutSeconds:  timeout,
		Retry:           retry,
		Auth:            auth,
	}
}
