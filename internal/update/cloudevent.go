package update

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventTypePrefix namespaces the CloudEvent types relay emits and
// recognizes. The update kind is appended: "relay.update.message".
const EventTypePrefix = "relay.update."

// SequenceExtension is the CloudEvent extension attribute carrying the
// envelope sequence id.
const SequenceExtension = "sequence"

// decodeCloudEvent handles envelopes posted as structured-mode
// CloudEvents JSON. The sequence id rides in the "sequence" extension;
// the update payload is the event data.
func decodeCloudEvent(raw []byte, _ map[string]any) (Envelope, error) {
	var e cloudevents.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: cloudevent: %v", ErrBadPayload, err)
	}

	seq, ok := extensionInt64(e.Extensions()[SequenceExtension])
	if !ok {
		return Envelope{}, ErrNoSequence
	}

	var obj map[string]any
	if err := json.Unmarshal(e.Data(), &obj); err != nil {
		return Envelope{}, fmt.Errorf("%w: cloudevent data: %v", ErrBadPayload, err)
	}

	if kind, found := strings.CutPrefix(e.Type(), EventTypePrefix); found && kind != "" {
		return Envelope{Seq: seq, Update: Update{Kind: kind, Fields: obj}, Raw: raw}, nil
	}

	u, err := Extract(obj)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Seq: seq, Update: u, Raw: raw}, nil
}

// EncodeCloudEvent wraps a dispatched update as a structured-mode
// CloudEvent for sink delivery. source identifies the emitting gateway.
func EncodeCloudEvent(source string, u Update) ([]byte, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource("relay/" + source)
	e.SetType(EventTypePrefix + u.Kind)
	e.SetTime(time.Now().UTC())
	if err := e.SetData(cloudevents.ApplicationJSON, u.Fields); err != nil {
		return nil, fmt.Errorf("cloudevent data: %w", err)
	}
	return json.Marshal(e)
}

// extensionInt64 coerces the forms a CloudEvent extension value takes
// after JSON decoding.
func extensionInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case int32:
		return int64(n), true
	default:
		return asInt64(v)
	}
}
