package correlation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/phishforge/internal/campaign"
	"github.com/lvonguyen/phishforge/internal/campaign/normalization"
	"github.com/lvonguyen/phishforge/internal/enrichment"
)

// BuildRecipientView groups qualifying events by recipient. Events with a
// blank recipient or a kind outside the funnel vocabulary are skipped.
// Recipients are returned in order of first appearance and each timeline
// keeps input order.
func BuildRecipientView(ctx context.Context, events []normalization.EnrichedEvent, geo GeoResolver) []RecipientTimeline {
	index := make(map[string]int)
	var timelines []RecipientTimeline

	for _, event := range events {
		if strings.TrimSpace(event.Recipient) == "" || !event.Kind.Known() {
			continue
		}

		i, ok := index[event.Recipient]
		if !ok {
			i = len(timelines)
			index[event.Recipient] = i
			timelines = append(timelines, RecipientTimeline{Email: event.Recipient})
		}

		entry := newTimelineEntry(event, geo.Resolve(ctx, event.Address))
		timelines[i].Events = append(timelines[i].Events, entry)
	}

	return timelines
}

// dossierBuilder accumulates one address before its user-agent and
// recipient sets are materialized.
type dossierBuilder struct {
	dossier    AddressDossier
	userAgents map[string]struct{}
	recipients map[string]struct{}
}

// BuildAddressView groups every event from a public address into a
// dossier. GeoInfo is resolved once when a dossier is created and reused
// for all later events from that address. credentials must already be
// grouped by address.
func BuildAddressView(ctx context.Context, events []normalization.EnrichedEvent, geo GeoResolver, credentials map[string][]CredentialRow) []AddressDossier {
	index := make(map[string]int)
	var builders []*dossierBuilder

	for _, event := range events {
		if !enrichment.IsPublic(event.Address) {
			continue
		}

		i, ok := index[event.Address]
		if !ok {
			i = len(builders)
			index[event.Address] = i
			builders = append(builders, &dossierBuilder{
				dossier: AddressDossier{
					Address:     event.Address,
					Geo:         geo.Resolve(ctx, event.Address),
					Credentials: credentials[event.Address],
				},
				userAgents: make(map[string]struct{}),
				recipients: make(map[string]struct{}),
			})
		}

		b := builders[i]
		if event.UserAgent != "" {
			b.userAgents[event.UserAgent] = struct{}{}
		}
		if strings.TrimSpace(event.Recipient) != "" {
			b.recipients[event.Recipient] = struct{}{}
		}
		b.dossier.Events = append(b.dossier.Events, newTimelineEntry(event, b.dossier.Geo))
	}

	dossiers := make([]AddressDossier, 0, len(builders))
	for _, b := range builders {
		b.dossier.UserAgents = sortedKeys(b.userAgents)
		b.dossier.Recipients = sortedKeys(b.recipients)
		if b.dossier.Credentials == nil {
			b.dossier.Credentials = []CredentialRow{}
		}
		dossiers = append(dossiers, b.dossier)
	}
	return dossiers
}

// ClassifyStage returns the furthest funnel stage reached in events.
// Recipients who were only sent the email have no stage.
func ClassifyStage(events []TimelineEntry) campaign.Stage {
	var opened, clicked bool
	for _, e := range events {
		switch e.Event {
		case campaign.KindSubmittedData:
			return campaign.StageSubmitted
		case campaign.KindClickedLink:
			clicked = true
		case campaign.KindEmailOpened:
			opened = true
		}
	}
	switch {
	case clicked:
		return campaign.StageClicked
	case opened:
		return campaign.StageOpened
	default:
		return campaign.StageNone
	}
}

// timelineLabel is the bucket label format for the hourly histogram.
const timelineLabel = "2006-01-02 15:04"

// BuildStats tallies funnel counts over every event and classifies each
// recipient of the recipient view. Counts are not deduplicated except
// TotalTargets, the number of distinct recipients that were sent email.
func BuildStats(events []normalization.EnrichedEvent, recipients []RecipientTimeline) CampaignStats {
	stats := CampaignStats{Stages: make(map[string]campaign.Stage)}

	targets := make(map[string]struct{})
	hours := make(map[time.Time]int)
	agents := make(map[string]int)

	for _, event := range events {
		switch event.Kind {
		case campaign.KindEmailSent:
			stats.SentCount++
			targets[event.Recipient] = struct{}{}
		case campaign.KindEmailOpened:
			stats.OpenCount++
		case campaign.KindClickedLink:
			stats.ClickCount++
		case campaign.KindSubmittedData:
			stats.SubmitCount++
		}

		if !event.Timestamp.IsZero() {
			hours[event.Timestamp.UTC().Truncate(time.Hour)]++
		}
		if event.UserAgent != "" {
			agents[event.UserAgent]++
		}
	}
	stats.TotalTargets = len(targets)

	for _, r := range recipients {
		stage := ClassifyStage(r.Events)
		switch stage {
		case campaign.StageSubmitted:
			stats.Submitted++
		case campaign.StageClicked:
			stats.Clicked++
		case campaign.StageOpened:
			stats.OpenedOnly++
		default:
			continue
		}
		stats.Stages[r.Email] = stage
	}

	stats.Timeline = make([]HourBucket, 0, len(hours))
	for start, count := range hours {
		stats.Timeline = append(stats.Timeline, HourBucket{
			Label: start.Format(timelineLabel),
			Start: start,
			Count: count,
		})
	}
	sort.Slice(stats.Timeline, func(i, j int) bool {
		return stats.Timeline[i].Start.Before(stats.Timeline[j].Start)
	})

	stats.UserAgents = make([]UserAgentCount, 0, len(agents))
	for ua, count := range agents {
		stats.UserAgents = append(stats.UserAgents, UserAgentCount{UserAgent: ua, Count: count})
	}
	sort.Slice(stats.UserAgents, func(i, j int) bool {
		a, b := stats.UserAgents[i], stats.UserAgents[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.UserAgent < b.UserAgent
	})

	return stats
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
