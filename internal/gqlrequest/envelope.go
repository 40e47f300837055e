// Package gqlrequest decodes GraphQL HTTP payloads and derives the
// operation metadata that rides the request context: logging and
// tracing read it, the gateway lowers the parsed operation from it.
package gqlrequest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// Envelope is the transport-independent request payload: the same
// shape whether the query arrived as GET parameters, a JSON body, or
// a raw application/graphql body.
type Envelope struct {
	Method      string
	ContentType string

	Query         string
	OperationName string
	VariablesRaw  json.RawMessage

	DocumentSizeBytes int
}

type jsonPayload struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
}

// DecodeEnvelope normalizes an HTTP request into an Envelope. POST
// bodies are read once and rewound, so the handler behind this can
// still decode them.
func DecodeEnvelope(r *http.Request) (Envelope, error) {
	if r == nil {
		return Envelope{}, fmt.Errorf("request is nil")
	}
	env := Envelope{
		Method:      r.Method,
		ContentType: r.Header.Get("Content-Type"),
	}

	switch {
	case r.Method == http.MethodGet:
		params := r.URL.Query()
		env.Query = params.Get("query")
		env.OperationName = params.Get("operationName")
	case r.Method == http.MethodPost && r.Body != nil:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return env, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := env.decodeBody(body); err != nil {
			return env, err
		}
	}

	env.DocumentSizeBytes = len(env.Query)
	return env, nil
}

func (e *Envelope) decodeBody(body []byte) error {
	if mediaType(e.ContentType) == "application/graphql" {
		e.Query = string(body)
		return nil
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	var payload jsonPayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return err
	}
	e.Query = payload.Query
	e.OperationName = payload.OperationName
	if vars := bytes.TrimSpace(payload.Variables); len(vars) > 0 && !bytes.Equal(vars, []byte("null")) {
		e.VariablesRaw = append(json.RawMessage(nil), payload.Variables...)
	}
	return nil
}

func mediaType(contentType string) string {
	parsed, _, err := mime.ParseMediaType(contentType)
	if err != nil || parsed == "" {
		return strings.TrimSpace(contentType)
	}
	return parsed
}

// Variables decodes the captured variables object. Absent or null
// variables decode to nil.
func (e Envelope) Variables() (map[string]interface{}, error) {
	if len(e.VariablesRaw) == 0 {
		return nil, nil
	}
	var vars map[string]interface{}
	if err := json.Unmarshal(e.VariablesRaw, &vars); err != nil {
		return nil, fmt.Errorf("variables must be a JSON object: %w", err)
	}
	return vars, nil
}
