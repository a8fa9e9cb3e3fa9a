package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// ErrValidation marks malformed payloads, missing fields and unknown event
// types. Surfaced to the caller; nothing is persisted.
var ErrValidation = errors.New("validation")

// Legacy clients send {".sv": "timestamp"} wherever they want the server's
// clock. The substitution happens exactly once, after receipt and before
// append. Clients cannot be updated atomically, so the contract stays.
const sentinelKey = ".sv"

// NormalizeTimestamps walks the payload tree and replaces every
// {".sv": "timestamp"} object with nowMs. Returns the payload unchanged when
// no sentinel is present.
func NormalizeTimestamps(payload json.RawMessage, nowMs int64) (json.RawMessage, error) {
	if len(payload) == 0 || !bytes.Contains(payload, []byte(sentinelKey)) {
		return payload, nil
	}

	var tree interface{}
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, err
	}

	tree = substitute(tree, nowMs)

	out, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func substitute(node interface{}, nowMs int64) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		if len(v) == 1 {
			if sv, ok := v[sentinelKey]; ok {
				if s, ok := sv.(string); ok && s == "timestamp" {
					// json.Number keeps the value integral through re-marshal.
					return json.Number(strconv.FormatInt(nowMs, 10))
				}
			}
		}
		for k, child := range v {
			v[k] = substitute(child, nowMs)
		}
		return v
	case []interface{}:
		for i, child := range v {
			v[i] = substitute(child, nowMs)
		}
		return v
	default:
		return node
	}
}
