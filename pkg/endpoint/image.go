package endpoint

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrBadImageData is returned when IMAGE_UPLOAD's payload is not valid
// base64, with or without a data URL prefix.
var ErrBadImageData = errors.New("endpoint: invalid image data")

// defaultImageMediaType is the fallback used when the payload carries no
// "data:<mediatype>;base64," prefix, matching the original's behavior
// (SPEC_FULL.md's resolution of the corresponding Open Question).
const defaultImageMediaType = "image/jpeg"

// decodeImageUpload accepts either a data URL ("data:image/png;base64,...")
// or a bare base64 blob and returns the decoded bytes and media type.
func decodeImageUpload(raw string) (data []byte, mediaType string, err error) {
	mediaType = defaultImageMediaType
	payload := raw

	if strings.HasPrefix(raw, "data:") {
		comma := strings.IndexByte(raw, ',')
		if comma < 0 {
			return nil, "", ErrBadImageData
		}
		header := raw[len("data:"):comma]
		payload = raw[comma+1:]
		if semi := strings.IndexByte(header, ';'); semi >= 0 {
			if mt := header[:semi]; mt != "" {
				mediaType = mt
			}
		} else if header != "" {
			mediaType = header
		}
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", ErrBadImageData
	}
	return data, mediaType, nil
}
