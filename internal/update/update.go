// Package update defines the data model for chat-platform updates:
// the parsed update itself, the sequence-numbered envelope it arrives
// in, and the decoding rules for the wire forms relay accepts.
package update

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kinds is the closed set of update categories a producer may attach.
// Order matters: when a raw envelope carries no explicit kind, the
// first of these keys present in the envelope names the payload.
var Kinds = []string{
	"message",
	"edited_message",
	"channel_post",
	"edited_channel_post",
	"callback_query",
	"inline_query",
	"chosen_inline_result",
	"shipping_query",
	"pre_checkout_query",
	"poll",
}

var (
	// ErrBadPayload reports an envelope that is not valid JSON, not a
	// JSON object, or of a Go type Decode does not accept.
	ErrBadPayload = errors.New("update: undecodable payload")

	// ErrNoSequence reports an envelope without an integer update_id.
	ErrNoSequence = errors.New("update: envelope missing update_id")

	// ErrUnknownKind reports an envelope whose payload matches none of
	// the known update kinds.
	ErrUnknownKind = errors.New("update: no known payload kind")
)

// Update is one unit of the stream: an explicit category tag plus the
// opaque fields of the payload. Updates are immutable once constructed;
// ownership transfers fully from producer to pipeline to handler.
type Update struct {
	Kind   string
	Fields map[string]any
}

// Envelope wraps an Update with the sequence id assigned by the
// producing platform. Seq is unique and monotonically increasing
// within a stream session.
type Envelope struct {
	Seq    int64
	Update Update
	Raw    []byte
}

// Decode parses a raw envelope into an Envelope. It accepts the wire
// forms transparently: JSON bytes, a JSON string, or an already-parsed
// map. The envelope must carry an integer update_id and exactly one
// known payload kind, which becomes the update's category tag.
func Decode(data any) (Envelope, error) {
	raw, obj, err := objectify(data)
	if err != nil {
		return Envelope{}, err
	}

	if _, ok := obj["specversion"]; ok {
		return decodeCloudEvent(raw, obj)
	}

	seq, ok := asInt64(obj["update_id"])
	if !ok {
		return Envelope{}, ErrNoSequence
	}

	u, err := Extract(obj)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Seq: seq, Update: u, Raw: raw}, nil
}

// Extract finds the first known payload kind in a raw envelope object
// and returns it as a tagged Update. Producers that already attach an
// explicit "kind" field bypass the key scan.
func Extract(obj map[string]any) (Update, error) {
	if kind, ok := obj["kind"].(string); ok {
		fields, _ := obj["payload"].(map[string]any)
		if fields == nil {
			fields = obj
		}
		return Update{Kind: kind, Fields: fields}, nil
	}

	for _, kind := range Kinds {
		payload, ok := obj[kind]
		if !ok {
			continue
		}
		fields, ok := payload.(map[string]any)
		if !ok {
			return Update{}, fmt.Errorf("%w: %s payload is not an object", ErrBadPayload, kind)
		}
		return Update{Kind: kind, Fields: fields}, nil
	}
	return Update{}, ErrUnknownKind
}

// objectify normalizes the accepted input forms to a JSON object,
// keeping the canonical raw bytes for downstream use.
func objectify(data any) ([]byte, map[string]any, error) {
	var raw []byte
	switch v := data.(type) {
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	case string:
		raw = []byte(v)
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return b, v, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported type %T", ErrBadPayload, data)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return raw, obj, nil
}

// asInt64 coerces the numeric forms a sequence id may arrive as.
// JSON decoding yields float64; producers handing in maps directly may
// use any Go integer type.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
