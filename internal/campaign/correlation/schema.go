package correlation

import (
	"context"
	"sort"

	"github.com/lvonguyen/phishforge/internal/campaign"
	"github.com/lvonguyen/phishforge/internal/campaign/normalization"
)

// DiscoverSchema returns every field name submitted anywhere in events,
// sorted lexicographically.
func DiscoverSchema(events []normalization.EnrichedEvent) []string {
	seen := make(map[string]struct{})
	for _, event := range events {
		for _, field := range event.Submitted {
			seen[field.Name] = struct{}{}
		}
	}

	schema := make([]string, 0, len(seen))
	for name := range seen {
		schema = append(schema, name)
	}
	sort.Strings(schema)
	return schema
}

// BuildCredentialRows aligns each non-empty submission to schema, filling
// columns the submission lacks with NotApplicable. Rows keep input order.
func BuildCredentialRows(ctx context.Context, events []normalization.EnrichedEvent, schema []string, geo GeoResolver) []CredentialRow {
	var rows []CredentialRow
	for _, event := range events {
		if event.Kind != campaign.KindSubmittedData || len(event.Submitted) == 0 {
			continue
		}

		values := make(map[string]string, len(event.Submitted))
		for _, field := range event.Submitted {
			values[field.Name] = field.Value
		}

		fields := make([]string, len(schema))
		for i, name := range schema {
			if v, ok := values[name]; ok {
				fields[i] = v
			} else {
				fields[i] = campaign.NotApplicable
			}
		}

		info := geo.Resolve(ctx, event.Address)
		rows = append(rows, CredentialRow{
			Timestamp: campaign.FormatTime(event.Timestamp),
			Recipient: event.Recipient,
			IP:        campaign.OrNA(event.Address),
			Location:  info.Location,
			ISP:       info.Org,
			Fields:    fields,
			address:   event.Address,
		})
	}
	return rows
}

// GroupCredentialsByAddress indexes rows by their source address so the
// dossier pass can attach them without rescanning.
func GroupCredentialsByAddress(rows []CredentialRow) map[string][]CredentialRow {
	grouped := make(map[string][]CredentialRow)
	for _, row := range rows {
		grouped[row.address] = append(grouped[row.address], row)
	}
	return grouped
}
