package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Pair is one key/value entry of a PairList.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PairList is an ordered mapping that accepts several JSON encodings:
//
//	{"a": "x", "b": "y"}                       object, ordered by key
//	[{"key": "a", "value": "x"}]               canonical
//	[{"variable": "a", "proxy": "x"}]          also name/value
//	[["a", "x"]]                               two-element arrays
//
// It always marshals to the canonical list form.
type PairList []Pair

// pairKeyAliases lists accepted key/value field names, in match order.
var pairKeyAliases = [][2]string{
	{"key", "value"},
	{"variable", "proxy"},
	{"name", "value"},
}

// UnmarshalJSON normalizes every accepted encoding into the canonical shape.
func (p *PairList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = nil
		return nil
	}

	switch data[0] {
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(PairList, 0, len(keys))
		for _, k := range keys {
			out = append(out, Pair{Key: k, Value: scalarString(m[k])})
		}
		*p = out.normalize()
		return nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make(PairList, 0, len(items))
		for i, item := range items {
			pair, err := decodePairItem(item)
			if err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			out = append(out, pair)
		}
		*p = out.normalize()
		return nil
	}

	return fmt.Errorf("pair list must be an object or array")
}

func decodePairItem(item json.RawMessage) (Pair, error) {
	item = bytes.TrimSpace(item)
	if len(item) == 0 {
		return Pair{}, fmt.Errorf("empty entry")
	}

	switch item[0] {
	case '[':
		var tuple []json.RawMessage
		if err := json.Unmarshal(item, &tuple); err != nil {
			return Pair{}, err
		}
		if len(tuple) != 2 {
			return Pair{}, fmt.Errorf("expected 2 elements, got %d", len(tuple))
		}
		return Pair{Key: scalarString(tuple[0]), Value: scalarString(tuple[1])}, nil

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return Pair{}, err
		}
		for _, alias := range pairKeyAliases {
			k, okKey := fields[alias[0]]
			v, okVal := fields[alias[1]]
			if okKey && okVal {
				return Pair{Key: scalarString(k), Value: scalarString(v)}, nil
			}
		}
		return Pair{}, fmt.Errorf("object entry needs key/value, variable/proxy or name/value")
	}

	return Pair{}, fmt.Errorf("entry must be an object or array")
}

// scalarString returns a JSON string's value, or the raw JSON text for any
// other value.
func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// normalize drops entries without a key and returns nil for an empty list.
func (p PairList) normalize() PairList {
	out := p[:0]
	for _, pair := range p {
		pair.Key = strings.TrimSpace(pair.Key)
		if pair.Key == "" {
			continue
		}
		out = append(out, pair)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Get returns the value for key.
func (p PairList) Get(key string) (string, bool) {
	for _, pair := range p {
		if pair.Key == key {
			return pair.Value, true
		}
	}
	return "", false
}

// Keys returns the keys in order.
func (p PairList) Keys() []string {
	keys := make([]string, 0, len(p))
	for _, pair := range p {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Values returns the values in order.
func (p PairList) Values() []string {
	values := make([]string, 0, len(p))
	for _, pair := range p {
		values = append(values, pair.Value)
	}
	return values
}

// Command is a run command that accepts either a single string, split on
// whitespace with simple quoting, or an argv array. It marshals as an array.
type Command []string

// UnmarshalJSON accepts a string or an array of strings.
func (c *Command) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		argv, err := SplitCommand(s)
		if err != nil {
			return err
		}
		*c = normalizeArgv(argv)
		return nil
	}
	var argv []string
	if err := json.Unmarshal(data, &argv); err != nil {
		return fmt.Errorf("run command must be a string or array of strings: %w", err)
	}
	*c = normalizeArgv(argv)
	return nil
}

// String joins the argv for display.
func (c Command) String() string {
	parts := make([]string, 0, len(c))
	for _, arg := range c {
		if arg == "" || strings.ContainsAny(arg, " \t\"'") {
			parts = append(parts, fmt.Sprintf("%q", arg))
			continue
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

func normalizeArgv(argv []string) Command {
	if len(argv) == 0 {
		return nil
	}
	return Command(argv)
}

// SplitCommand splits a command line into argv honoring single quotes,
// double quotes and backslash escapes. No other shell syntax is interpreted.
func SplitCommand(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t' || r == '\n':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command %q", s)
	}
	if escaped {
		return nil, fmt.Errorf("trailing backslash in command %q", s)
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
