package imaging

import (
	"errors"
	"strings"
)

// ErrEmptyPayload reports that normalization produced no image data.
var ErrEmptyPayload = errors.New("imaging: empty image payload")

// Normalize converts a raw encoded image value into its canonical
// transport-ready form. A data-URL style wrapper ("data:image/png;base64,")
// is stripped down to the payload after the delimiter, and incidental
// whitespace is trimmed. Both acquisition paths funnel through here so that
// "normalized" means the same thing for camera frames and gallery files.
//
// Normalize is pure and idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if _, payload, ok := strings.Cut(value, ","); ok {
		value = strings.TrimSpace(payload)
	}
	if value == "" {
		return "", ErrEmptyPayload
	}
	return value, nil
}
