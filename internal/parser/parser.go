// Package parser recognises send-requests typed into chats and decodes them.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"notibot/internal/domain"
)

// Field markers a candidate request must contain. The check is a plain
// substring test, so ordinary chat text mentioning both words also passes
// and is then rejected by Parse.
const (
	MessageMarker  = "message"
	ChatNameMarker = "ChatName"
)

const (
	fieldMessage  = "message"
	fieldChatName = "chatName"
)

// ErrParse marks text that looked like a request but could not be decoded.
var ErrParse = errors.New("malformed send request")

// LooksLikeSendRequest reports whether text mentions both request fields.
func LooksLikeSendRequest(text string) bool {
	return strings.Contains(text, MessageMarker) && strings.Contains(text, ChatNameMarker)
}

// Parse decodes text into a SendRequest. Strict JSON and the relaxed object
// notation with bare keys ({message: "hi", ChatName: "Ops"}) are accepted.
// Field names match case-insensitively and unknown fields are ignored.
func Parse(text string) (domain.SendRequest, error) {
	fields, err := decodeObject(text)
	if err != nil {
		return domain.SendRequest{}, err
	}

	req := domain.SendRequest{
		Message:  lookup(fields, fieldMessage),
		ChatName: lookup(fields, fieldChatName),
	}
	if req.ChatName == "" {
		return domain.SendRequest{}, fmt.Errorf("%w: %s is required", ErrParse, fieldChatName)
	}
	return req, nil
}

// lookup returns the value of name matched case-insensitively. When several
// keys match, the exact spelling wins, then the lowest key in byte order.
func lookup(fields map[string]string, name string) string {
	if v, ok := fields[name]; ok {
		return v
	}
	var keys []string
	for k := range fields {
		if strings.EqualFold(k, name) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return fields[keys[0]]
}

// decodeObject returns the top-level scalar fields of a JSON or YAML flow object.
func decodeObject(text string) (map[string]string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty input", ErrParse)
	}
	if fields, err := decodeJSON(trimmed); err == nil {
		return fields, nil
	}
	return decodeRelaxed(trimmed)
}

func decodeJSON(text string) (map[string]string, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data")
	}
	if raw == nil {
		return nil, errors.New("not an object")
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			fields[k] = ""
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			fields[k] = fmt.Sprint(val)
		default:
			if isRequestField(k) {
				return nil, fmt.Errorf("field %s is not a scalar", k)
			}
		}
	}
	return fields, nil
}

func decodeRelaxed(text string) (map[string]string, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader([]byte(text))).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: not an object", ErrParse)
	}

	fields := make(map[string]string, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			continue
		}
		if val.Kind != yaml.ScalarNode {
			if isRequestField(key.Value) {
				return nil, fmt.Errorf("%w: field %s is not a scalar", ErrParse, key.Value)
			}
			continue
		}
		if val.Tag == "!!null" {
			fields[key.Value] = ""
			continue
		}
		fields[key.Value] = val.Value
	}
	return fields, nil
}

func isRequestField(name string) bool {
	return strings.EqualFold(name, fieldMessage) || strings.EqualFold(name, fieldChatName)
}
