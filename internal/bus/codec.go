// Package bus is the durable tick path: an AMQP publisher on the ingestion
// side, consumers on the worker side, and the versioned payload codec both
// share.
package bus

import (
	"encoding/json"
	"fmt"

	"orderflow-systemv1/internal/model"
)

// CodecVersion is the payload format version carried as the first byte of
// every message. Consumers reject versions they do not know.
const CodecVersion byte = 1

// EncodeTick serializes an enriched tick: one version byte followed by the
// canonical JSON form.
func EncodeTick(t *model.NormalizedTick) []byte {
	body := t.JSON()
	out := make([]byte, 0, len(body)+1)
	out = append(out, CodecVersion)
	return append(out, body...)
}

// DecodeTick parses a bus message back into a tick.
func DecodeTick(payload []byte) (model.NormalizedTick, error) {
	var tick model.NormalizedTick
	if len(payload) < 2 {
		return tick, fmt.Errorf("bus: payload too short: %d bytes", len(payload))
	}
	if payload[0] != CodecVersion {
		return tick, fmt.Errorf("bus: unknown payload version %d", payload[0])
	}
	if err := json.Unmarshal(payload[1:], &tick); err != nil {
		return tick, fmt.Errorf("bus: decode tick: %w", err)
	}
	return tick, nil
}
