package normalization

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ValueKind tags the shape of a payload value.
type ValueKind int

const (
	// ValueOther is anything that is neither a string nor a list: numbers,
	// booleans, objects, null.
	ValueOther ValueKind = iota
	ValueSingle
	ValueList
)

// PayloadValue is a decoded payload entry. Form posts arrive as lists of
// strings, hand-built payloads sometimes as bare strings.
type PayloadValue struct {
	Kind   ValueKind
	Single string
	List   []json.RawMessage
}

// Flatten reduces the value to one string: a single value verbatim, the
// first element of a non-empty list when that element is a string. Later
// list elements are discarded. Everything else is dropped.
func (v PayloadValue) Flatten() (string, bool) {
	switch v.Kind {
	case ValueSingle:
		return v.Single, true
	case ValueList:
		if len(v.List) == 0 {
			return "", false
		}
		return decodeString(v.List[0])
	default:
		return "", false
	}
}

func classifyValue(raw json.RawMessage) PayloadValue {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return PayloadValue{Kind: ValueOther}
	}
	switch raw[0] {
	case '"':
		if s, ok := decodeString(raw); ok {
			return PayloadValue{Kind: ValueSingle, Single: s}
		}
	case '[':
		var list []json.RawMessage
		if json.Unmarshal(raw, &list) == nil {
			return PayloadValue{Kind: ValueList, List: list}
		}
	}
	return PayloadValue{Kind: ValueOther}
}

type payloadEntry struct {
	key   string
	value PayloadValue
}

// payload keeps entries in document order so submitted fields come out in
// the order the form posted them.
type payload struct {
	entries []payloadEntry
	index   map[string]int
}

func (p payload) get(key string) (PayloadValue, bool) {
	i, ok := p.index[key]
	if !ok {
		return PayloadValue{}, false
	}
	return p.entries[i].value, true
}

// decodePayload walks the payload object token by token. An absent
// payload is empty; a payload that is not an object is an error.
// Duplicate keys keep their first position and their last value.
func decodePayload(data json.RawMessage) (payload, error) {
	p := payload{index: make(map[string]int)}
	if len(data) == 0 {
		return p, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return p, fmt.Errorf("reading payload: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return p, fmt.Errorf("payload: %w", errNotObject)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return p, fmt.Errorf("reading payload key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return p, fmt.Errorf("payload key %v is not a string", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return p, fmt.Errorf("reading payload value for %q: %w", key, err)
		}

		value := classifyValue(raw)
		if i, seen := p.index[key]; seen {
			p.entries[i].value = value
			continue
		}
		p.index[key] = len(p.entries)
		p.entries = append(p.entries, payloadEntry{key: key, value: value})
	}

	return p, nil
}
