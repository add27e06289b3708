// Package xjson is the single JSON import site for payloads stored in
// history and exchanged with activities.
package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage

// Valid reports whether data is a single valid JSON document.
func Valid(data []byte) bool {
	return gjson.Valid(data)
}
