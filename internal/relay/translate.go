package relay

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"
)

// Translate rewrites a downstream message into the shape the MEXC contract
// socket expects. A top-level "params" is renamed to "param" unless "param"
// is already present, and dashes in the symbol are replaced with
// underscores: in param.symbol when param is an object, or in every string
// element when param is an array. Anything that is not a JSON object is
// returned unchanged, as is an object that needs no rewrite.
func Translate(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return data
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return data
	}

	changed := false
	if params, ok := msg["params"]; ok {
		if _, has := msg["param"]; !has {
			msg["param"] = params
			delete(msg, "params")
			changed = true
		}
	}
	if param, ok := msg["param"]; ok {
		if out, ok := rewriteParam(param); ok {
			msg["param"] = out
			changed = true
		}
	}
	if !changed {
		return data
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return data
	}
	return out
}

func rewriteParam(param json.RawMessage) (json.RawMessage, bool) {
	p := bytes.TrimSpace(param)
	if len(p) == 0 {
		return nil, false
	}
	switch p[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(p, &obj); err != nil {
			return nil, false
		}
		sym, ok := rewriteString(obj["symbol"])
		if !ok {
			return nil, false
		}
		obj["symbol"] = sym
		out, err := json.Marshal(obj)
		if err != nil {
			return nil, false
		}
		return out, true
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(p, &arr); err != nil {
			return nil, false
		}
		changed := false
		for i, el := range arr {
			if s, ok := rewriteString(el); ok {
				arr[i] = s
				changed = true
			}
		}
		if !changed {
			return nil, false
		}
		out, err := json.Marshal(arr)
		if err != nil {
			return nil, false
		}
		return out, true
	}
	return nil, false
}

// rewriteString reports false when raw is not a JSON string containing a
// dash.
func rewriteString(raw json.RawMessage) (json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' || !bytes.Contains(raw, []byte("-")) {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	out, err := json.Marshal(strings.ReplaceAll(s, "-", "_"))
	if err != nil {
		return nil, false
	}
	return out, true
}
