package utils

import (
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
)

// tokenEncoding is lowercase RFC 4648 base32 without padding, safe to paste
// into shells and chat clients.
var tokenEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Encode encodes any value to JSON and then to lowercase base32
func Encode[T any](value T) (string, error) {
	bytes, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}

	return tokenEncoding.EncodeToString(bytes), nil
}

// Decode decodes a base32 encoded JSON string to the specified type
func Decode[T any](encoded string) (T, error) {
	var result T

	if encoded == "" {
		return result, fmt.Errorf("encoded string is empty")
	}

	bytes, err := tokenEncoding.DecodeString(strings.ToLower(encoded))
	if err != nil {
		return result, fmt.Errorf("failed to decode base32: %w", err)
	}

	if len(bytes) == 0 {
		return result, fmt.Errorf("decoded bytes are empty")
	}

	err = json.Unmarshal(bytes, &result)
	if err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON (bytes length: %d): %w", len(bytes), err)
	}

	return result, nil
}

// EncodeJSON encodes any value to JSON bytes
func EncodeJSON[T any](value T) ([]byte, error) {
	return json.Marshal(value)
}

// DecodeJSON decodes JSON bytes to the specified type
func DecodeJSON[T any](data []byte) (T, error) {
	var result T
	if len(data) == 0 {
		return result, fmt.Errorf("JSON data is empty")
	}

	err := json.Unmarshal(data, &result)
	if err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return result, nil
}
