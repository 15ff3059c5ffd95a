package tts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

type Format string

const (
	FormatMsgpack Format = "msgpack"
	FormatJSON    Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "msgpack", "mp":
		return FormatMsgpack, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown result format %q (want msgpack or json)", s)
	}
}

func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}

	return "application/msgpack"
}

// FormatForContentType picks a format from a Content-Type or Accept value.
// Anything that does not mention msgpack is treated as JSON.
func FormatForContentType(ct string) Format {
	if strings.Contains(strings.ToLower(ct), "msgpack") {
		return FormatMsgpack
	}

	return FormatJSON
}

func Encode(v any, f Format) ([]byte, error) {
	switch f {
	case FormatMsgpack:
		return msgpack.Marshal(v)
	case FormatJSON:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown result format %q", f)
	}
}

func Decode(data []byte, f Format, v any) error {
	switch f {
	case FormatMsgpack:
		return msgpack.Unmarshal(data, v)
	case FormatJSON:
		return json.Unmarshal(data, v)
	default:
		return fmt.Errorf("unknown result format %q", f)
	}
}
