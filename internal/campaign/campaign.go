// Package campaign defines the shared vocabulary of a phishing simulation
// campaign export: event kinds, funnel stages and display sentinels.
//
// The pipeline is split into ingestion (CSV rows to raw events),
// normalization (payload decoding) and correlation (view folds).
package campaign

import "time"

// EventKind is the event column of an export row.
type EventKind string

const (
	KindEmailSent     EventKind = "Email Sent"
	KindEmailOpened   EventKind = "Email Opened"
	KindClickedLink   EventKind = "Clicked Link"
	KindSubmittedData EventKind = "Submitted Data"
)

// Known reports whether the kind belongs to the fixed funnel vocabulary.
// Exports also carry kinds such as "Campaign Created" or "Email Reported".
func (k EventKind) Known() bool {
	switch k {
	case KindEmailSent, KindEmailOpened, KindClickedLink, KindSubmittedData:
		return true
	default:
		return false
	}
}

// Stage is the furthest point a recipient reached in the funnel.
type Stage string

const (
	StageNone      Stage = ""
	StageOpened    Stage = "opened"
	StageClicked   Stage = "clicked"
	StageSubmitted Stage = "submitted"
)

// NotApplicable marks a value that is absent or could not be derived.
const NotApplicable = "N/A"

// FormatTime renders t as an RFC3339 UTC instant, or NotApplicable for
// the zero time used for unparseable timestamps.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return NotApplicable
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// OrNA returns s, or NotApplicable when s is empty.
func OrNA(s string) string {
	if s == "" {
		return NotApplicable
	}
	return s
}
