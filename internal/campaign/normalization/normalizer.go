// Package normalization decodes the JSON details payload embedded in each
// export row into structured enrichment fields.
package normalization

import (
	"bytes"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishforge/internal/campaign"
	"github.com/lvonguyen/phishforge/internal/campaign/ingestion"
)

// ClientIDKey is the payload key carrying the correlation token. It is
// never reported as a submitted field.
const ClientIDKey = "client_id"

var errNotObject = errors.New("not a JSON object")

// Field is one submitted (name, value) pair.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EnrichedEvent is a raw event plus the fields derived from its payload.
// Empty strings mean the value was absent. Submitted is non-nil only for
// Submitted Data events whose payload decoded.
type EnrichedEvent struct {
	ingestion.RawEvent
	Address   string  `json:"ip,omitempty"`
	UserAgent string  `json:"user_agent,omitempty"`
	ClientID  string  `json:"client_id,omitempty"`
	Submitted []Field `json:"credentials,omitempty"`
}

// Decoded reports whether the payload yielded any enrichment.
func (e EnrichedEvent) Decoded() bool {
	return e.Address != "" || e.UserAgent != "" || e.ClientID != "" || e.Submitted != nil
}

// details mirrors the top level of the payload. Both members are kept raw
// so a structural mismatch can be told apart from absence.
type details struct {
	Browser json.RawMessage `json:"browser"`
	Payload json.RawMessage `json:"payload"`
}

type browserInfo struct {
	Address   json.RawMessage `json:"address"`
	UserAgent json.RawMessage `json:"user-agent"`
}

// Normalize derives an EnrichedEvent from raw. It never fails: an empty,
// malformed or structurally unexpected payload yields an event with no
// derived fields.
func Normalize(raw ingestion.RawEvent) EnrichedEvent {
	event, _ := normalize(raw)
	return event
}

func normalize(raw ingestion.RawEvent) (EnrichedEvent, error) {
	empty := EnrichedEvent{RawEvent: raw}

	text := bytes.TrimSpace([]byte(raw.Details))
	if len(text) == 0 {
		return empty, nil
	}

	var d details
	if err := decodeObject(text, &d); err != nil {
		return empty, err
	}

	var browser browserInfo
	if err := decodeOptionalObject(d.Browser, &browser); err != nil {
		return empty, err
	}

	payload, err := decodePayload(d.Payload)
	if err != nil {
		return empty, err
	}

	event := empty
	event.Address, _ = decodeString(browser.Address)
	event.UserAgent, _ = decodeString(browser.UserAgent)

	if v, ok := payload.get(ClientIDKey); ok {
		event.ClientID, _ = v.Flatten()
	}

	if raw.Kind == campaign.KindSubmittedData {
		event.Submitted = []Field{}
		for _, entry := range payload.entries {
			if entry.key == ClientIDKey {
				continue
			}
			if value, ok := entry.value.Flatten(); ok {
				event.Submitted = append(event.Submitted, Field{Name: entry.key, Value: value})
			}
		}
	}

	return event, nil
}

// decodeObject unmarshals data into v, requiring a JSON object.
func decodeObject(data []byte, v any) error {
	if len(data) == 0 || data[0] != '{' {
		return errNotObject
	}
	return json.Unmarshal(data, v)
}

// decodeOptionalObject treats an absent member as an empty object.
func decodeOptionalObject(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return decodeObject(data, v)
}

func decodeString(data json.RawMessage) (string, bool) {
	var s string
	if len(data) == 0 || json.Unmarshal(data, &s) != nil {
		return "", false
	}
	return s, true
}

// Normalizer runs Normalize over a whole export, logging degraded rows
// and reporting progress.
type Normalizer struct {
	logger        *zap.Logger
	onRow         func(outcome string)
	onProgress    func(done, total int)
	progressEvery int
}

// NormalizerOption customises a Normalizer.
type NormalizerOption func(*Normalizer)

// WithRowObserver registers a callback receiving "decoded", "empty" or
// "malformed" for every row.
func WithRowObserver(fn func(outcome string)) NormalizerOption {
	return func(n *Normalizer) { n.onRow = fn }
}

// WithProgress registers a callback invoked every `every` rows and on the
// final row.
func WithProgress(every int, fn func(done, total int)) NormalizerOption {
	return func(n *Normalizer) {
		n.progressEvery = every
		n.onProgress = fn
	}
}

// NewNormalizer creates a new normalizer.
func NewNormalizer(logger *zap.Logger, opts ...NormalizerOption) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Normalizer{logger: logger, progressEvery: 200}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NormalizeAll enriches every raw event, preserving input order.
func (n *Normalizer) NormalizeAll(raws []ingestion.RawEvent) []EnrichedEvent {
	events := make([]EnrichedEvent, 0, len(raws))
	total := len(raws)

	for i, raw := range raws {
		event, err := normalize(raw)
		outcome := "decoded"
		switch {
		case err != nil:
			outcome = "malformed"
			n.logger.Debug("Payload could not be decoded",
				zap.String("id", raw.ID),
				zap.String("event", string(raw.Kind)),
				zap.Error(err),
			)
		case !event.Decoded():
			outcome = "empty"
		}
		if n.onRow != nil {
			n.onRow(outcome)
		}

		events = append(events, event)

		done := i + 1
		if n.onProgress != nil && n.progressEvery > 0 && (done%n.progressEvery == 0 || done == total) {
			n.onProgress(done, total)
		}
	}

	return events
}
