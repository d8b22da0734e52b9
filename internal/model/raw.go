package model

import "encoding/json"

// Raw is an opaque JSON value. It exists so request binding can require a
// non-empty value while keeping the bytes undecoded until scoring.
type Raw = json.RawMessage
