package airplay2

import (
	"bytes"
	"fmt"

	"howett.net/plist"
)

// marshalPlist encodes v as a binary property list, the format spec.md §6
// says `/info`, SETUP, and RECORD bodies use.
func marshalPlist(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := plist.NewBinaryEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("airplay2: marshal plist: %w", err)
	}
	return buf.Bytes(), nil
}

// unmarshalPlist decodes a binary or XML property list body into v.
func unmarshalPlist(data []byte, v any) error {
	if err := plist.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: unmarshal plist: %v", ErrProtocol, err)
	}
	return nil
}
