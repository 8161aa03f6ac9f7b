package accessory

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	jsonPrefix = "data:application/json;base64,"
	// Early accessory contracts shipped with this misspelling baked in.
	legacyJSONPrefix = "data:applicaton/json;base64,"
	svgPrefix        = "data:image/svg+xml;base64,"
)

var (
	// ErrUnsupportedURI is returned for token URIs that are not inline
	// base64 JSON documents.
	ErrUnsupportedURI = errors.New("unsupported token uri")

	// ErrUnsupportedImage is returned when the image field is not an
	// inline base64 SVG.
	ErrUnsupportedImage = errors.New("unsupported token image")
)

// Metadata is the decoded on-chain metadata of one token. Image holds the
// raw SVG markup, not the data URI.
type Metadata struct {
	ID          *big.Int                   `json:"id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Image       string                     `json:"image"`
	Attributes  json.RawMessage            `json:"attributes,omitempty"`
	Extra       map[string]json.RawMessage `json:"extra,omitempty"`
}

// DecodeTokenURI decodes an inline token URI of the form
// data:application/json;base64,<json> whose image field is itself a
// data:image/svg+xml;base64 URI.
func DecodeTokenURI(uri string) (*Metadata, error) {
	var payload string
	switch {
	case strings.HasPrefix(uri, jsonPrefix):
		payload = uri[len(jsonPrefix):]
	case strings.HasPrefix(uri, legacyJSONPrefix):
		payload = uri[len(legacyJSONPrefix):]
	default:
		return nil, fmt.Errorf("%w: %.40q", ErrUnsupportedURI, uri)
	}

	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata json: %w", err)
	}

	md := &Metadata{}
	if v, ok := doc["name"]; ok {
		if err := json.Unmarshal(v, &md.Name); err != nil {
			return nil, fmt.Errorf("failed to parse name: %w", err)
		}
	}
	if v, ok := doc["description"]; ok {
		if err := json.Unmarshal(v, &md.Description); err != nil {
			return nil, fmt.Errorf("failed to parse description: %w", err)
		}
	}
	if v, ok := doc["attributes"]; ok {
		md.Attributes = v
	}

	var image string
	if v, ok := doc["image"]; ok {
		if err := json.Unmarshal(v, &image); err != nil {
			return nil, fmt.Errorf("failed to parse image: %w", err)
		}
	}
	if !strings.HasPrefix(image, svgPrefix) {
		return nil, fmt.Errorf("%w: %.40q", ErrUnsupportedImage, image)
	}
	svg, err := decodeBase64(image[len(svgPrefix):])
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	md.Image = string(svg)

	for k, v := range doc {
		switch k {
		case "name", "description", "image", "attributes":
			continue
		}
		if md.Extra == nil {
			md.Extra = make(map[string]json.RawMessage)
		}
		md.Extra[k] = v
	}
	return md, nil
}

// decodeBase64 accepts padded and unpadded standard encoding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "=") || len(s)%4 == 0 {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
