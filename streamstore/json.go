package streamstore

import (
	"bytes"
	"encoding/json"
)

// splitJSONAppend implements spec §4.5's append encoding: the body is parsed
// as JSON; if it is an array, each element is re-serialized (compact form)
// and returned individually; any other value is re-serialized as a single
// element. Each returned chunk already carries its trailing "," separator,
// which is what makes the stored byte length a pure function of the
// serialized value with no re-scan needed on read.
//
// allowEmptyArray is true only for the initial-create append (spec §4.3:
// "empty JSON arrays in initial data are silently accepted").
func splitJSONAppend(data []byte, allowEmptyArray bool) ([][]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, ErrInvalidJSON
	}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(elems) == 0 {
			if allowEmptyArray {
				return nil, nil
			}
			return nil, ErrEmptyJSONArray
		}
		chunks := make([][]byte, len(elems))
		for i, elem := range elems {
			compact, err := compactJSON(elem)
			if err != nil {
				return nil, ErrInvalidJSON
			}
			chunks[i] = append(compact, ',')
		}
		return chunks, nil
	}

	compact, err := compactJSON(trimmed)
	if err != nil {
		return nil, ErrInvalidJSON
	}
	return [][]byte{append(compact, ',')}, nil
}

// compactJSON re-serializes a JSON value in its minimal (no extra
// whitespace) form.
func compactJSON(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// formatJSONMessages implements spec §4.5's response framing: concatenate
// the stored (trailing-comma) bytes of the selected messages, strip the
// final comma, and wrap in "[" … "]". An empty selection renders "[]".
func formatJSONMessages(chunks [][]byte) []byte {
	if len(chunks) == 0 {
		return []byte("[]")
	}
	total := 2
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	out = append(out, '[')
	for _, c := range chunks {
		out = append(out, c...)
	}
	out = bytes.TrimSuffix(out, []byte(","))
	out = append(out, ']')
	return out
}
