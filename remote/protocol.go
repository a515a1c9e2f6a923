package remote

import (
	"encoding/json"

	"golang.org/x/exp/maps"

	"bringyour.com/livedoc"
)

// JSON message protocol between the client and a snapshot gateway.
// The client sends requests tagged with a request id; the gateway answers
// with one message per get, or a stream of messages per subscribe until
// an unsubscribe for the same request id.

const (
	MessageTypeGet            = "get"
	MessageTypeGetQuery       = "get_query"
	MessageTypeSubscribe      = "subscribe"
	MessageTypeSubscribeQuery = "subscribe_query"
	MessageTypeUnsubscribe    = "unsubscribe"

	MessageTypeSnapshot      = "snapshot"
	MessageTypeQuerySnapshot = "query_snapshot"
	MessageTypeError         = "error"
)

type WhereClause struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

type clientMessage struct {
	Type      string `json:"type"`
	RequestId uint64 `json:"request_id"`

	// doc requests
	Path string `json:"path,omitempty"`

	// query requests
	Collection string        `json:"collection,omitempty"`
	Where      []WhereClause `json:"where,omitempty"`
}

type wireDoc struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data,omitempty"`
}

type serverMessage struct {
	Type      string `json:"type"`
	RequestId uint64 `json:"request_id"`

	// snapshot
	Path   string          `json:"path,omitempty"`
	Exists bool            `json:"exists,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	// query_snapshot
	Docs []wireDoc `json:"docs,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// embedded refs travel as {"$ref": "collection/docid"}
const refKey = "$ref"

// decodes a wire payload, rehydrating `$ref` objects into refs bound to
// `client`
func decodeDocument(client *Client, data json.RawMessage) (livedoc.Document, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return decodeObject(client, raw), nil
}

func decodeObject(client *Client, raw map[string]any) livedoc.Document {
	if path, ok := refPath(raw); ok {
		// should not happen at the top level, keep the raw form
		return livedoc.Document{refKey: path}
	}
	out := maps.Clone(raw)
	for key, value := range out {
		out[key] = decodeValue(client, value)
	}
	return out
}

func decodeValue(client *Client, value any) any {
	switch v := value.(type) {
	case map[string]any:
		if path, ok := refPath(v); ok {
			return client.Doc(path)
		}
		return decodeObject(client, v)
	case []any:
		for i, item := range v {
			v[i] = decodeValue(client, item)
		}
		return v
	default:
		return value
	}
}

func refPath(raw map[string]any) (string, bool) {
	if len(raw) != 1 {
		return "", false
	}
	path, ok := raw[refKey].(string)
	return path, ok
}

// encodes a payload for the wire, lowering refs back to `$ref` objects.
// used by gateways and tests.
func EncodeDocument(data livedoc.Document) (json.RawMessage, error) {
	return json.Marshal(encodeValue(data))
}

func encodeValue(value any) any {
	switch v := value.(type) {
	case livedoc.DocRef:
		return map[string]any{refKey: v.Path()}
	case livedoc.Document:
		out := map[string]any{}
		for key, item := range v {
			out[key] = encodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return value
	}
}
