// Package correlation folds the enriched event stream of one export into
// recipient timelines, source-address dossiers and campaign statistics.
package correlation

import (
	"context"
	"time"

	"github.com/lvonguyen/phishforge/internal/campaign"
	"github.com/lvonguyen/phishforge/internal/campaign/normalization"
	"github.com/lvonguyen/phishforge/internal/enrichment"
)

// GeoResolver resolves an address to its memoized GeoInfo.
type GeoResolver interface {
	Resolve(ctx context.Context, address string) enrichment.GeoInfo
}

// TimelineEntry is one event as shown on a recipient or address timeline.
type TimelineEntry struct {
	Event     campaign.EventKind `json:"event"`
	Timestamp string             `json:"timestamp"`
	Recipient string             `json:"email"`
	IP        string             `json:"ip"`
	Location  string             `json:"location"`
	ISP       string             `json:"isp"`
	UserAgent string             `json:"ua"`
}

func newTimelineEntry(event normalization.EnrichedEvent, geo enrichment.GeoInfo) TimelineEntry {
	return TimelineEntry{
		Event:     event.Kind,
		Timestamp: campaign.FormatTime(event.Timestamp),
		Recipient: event.Recipient,
		IP:        campaign.OrNA(event.Address),
		Location:  geo.Location,
		ISP:       geo.Org,
		UserAgent: campaign.OrNA(event.UserAgent),
	}
}

// RecipientTimeline is every qualifying event of one recipient, in input
// order.
type RecipientTimeline struct {
	Email  string          `json:"email"`
	Events []TimelineEntry `json:"events"`
}

// CredentialRow is one submission aligned to the discovered schema.
// Fields always has one entry per schema column.
type CredentialRow struct {
	Timestamp string   `json:"timestamp"`
	Recipient string   `json:"email"`
	IP        string   `json:"ip"`
	Location  string   `json:"location"`
	ISP       string   `json:"isp"`
	Fields    []string `json:"fields"`

	address string
}

// AddressDossier aggregates all activity seen from one public address.
type AddressDossier struct {
	Address     string             `json:"ip"`
	Geo         enrichment.GeoInfo `json:"geo"`
	UserAgents  []string           `json:"user_agents"`
	Recipients  []string           `json:"recipients"`
	Events      []TimelineEntry    `json:"events"`
	Credentials []CredentialRow    `json:"credentials"`
}

// HourBucket counts events in one UTC hour.
type HourBucket struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// UserAgentCount is how many rows carried a user agent.
type UserAgentCount struct {
	UserAgent string `json:"ua"`
	Count     int    `json:"count"`
}

// CampaignStats holds funnel tallies and per-recipient classification.
type CampaignStats struct {
	TotalTargets int `json:"total_targets"`
	SentCount    int `json:"sent_count"`
	OpenCount    int `json:"open_count"`
	ClickCount   int `json:"click_count"`
	SubmitCount  int `json:"submit_count"`

	OpenedOnly int `json:"users_opened_only"`
	Clicked    int `json:"users_opened_and_clicked"`
	Submitted  int `json:"users_opened_clicked_submitted"`

	Stages     map[string]campaign.Stage `json:"stages"`
	Timeline   []HourBucket              `json:"timeline"`
	UserAgents []UserAgentCount          `json:"user_agents"`
}

// Report is everything one run produces.
type Report struct {
	Schema      []string                 `json:"fieldnames"`
	Recipients  []RecipientTimeline      `json:"users"`
	Addresses   []AddressDossier         `json:"addresses"`
	Credentials []CredentialRow          `json:"credentials"`
	Stats       CampaignStats            `json:"stats"`
	Lookups     enrichment.ResolverStats `json:"lookups"`
}

// Recipient returns the timeline for email.
func (r *Report) Recipient(email string) (RecipientTimeline, bool) {
	for _, timeline := range r.Recipients {
		if timeline.Email == email {
			return timeline, true
		}
	}
	return RecipientTimeline{}, false
}

// Address returns the dossier for address.
func (r *Report) Address(address string) (AddressDossier, bool) {
	for _, dossier := range r.Addresses {
		if dossier.Address == address {
			return dossier, true
		}
	}
	return AddressDossier{}, false
}
