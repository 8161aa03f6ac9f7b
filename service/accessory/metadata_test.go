package accessory

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTokenURI(t *testing.T) {
	svg := `<svg xmlns="http://www.w3.org/2000/svg"><rect width="10" height="10"/></svg>`

	t.Run("standard prefix", func(t *testing.T) {
		md, err := DecodeTokenURI(tokenURI(jsonPrefix, "Hat", svg))
		require.NoError(t, err)
		assert.Equal(t, "Hat", md.Name)
		assert.Equal(t, "An accessory", md.Description)
		assert.Equal(t, svg, md.Image)
		assert.JSONEq(t, `[{"trait_type":"color","value":"red"}]`, string(md.Attributes))
		assert.JSONEq(t, `"https://example.com"`, string(md.Extra["external_url"]))
	})

	t.Run("legacy misspelled prefix", func(t *testing.T) {
		md, err := DecodeTokenURI(tokenURI(legacyJSONPrefix, "Scarf", svg))
		require.NoError(t, err)
		assert.Equal(t, "Scarf", md.Name)
		assert.Equal(t, svg, md.Image)
	})

	t.Run("unpadded base64", func(t *testing.T) {
		image := "data:image/svg+xml;base64," + base64.RawStdEncoding.EncodeToString([]byte(svg))
		doc := `{"name":"Belt","image":"` + image + `"}`
		md, err := DecodeTokenURI(jsonPrefix + base64.RawStdEncoding.EncodeToString([]byte(doc)))
		require.NoError(t, err)
		assert.Equal(t, svg, md.Image)
	})

	t.Run("errors", func(t *testing.T) {
		png := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png"))
		cases := map[string]string{
			"http uri":     "https://example.com/1.json",
			"bad base64":   jsonPrefix + "!!!",
			"not json":     jsonPrefix + base64.StdEncoding.EncodeToString([]byte("nope")),
			"png image":    jsonPrefix + base64.StdEncoding.EncodeToString([]byte(`{"name":"x","image":"`+png+`"}`)),
			"no image":     jsonPrefix + base64.StdEncoding.EncodeToString([]byte(`{"name":"x"}`)),
			"numeric name": jsonPrefix + base64.StdEncoding.EncodeToString([]byte(`{"name":1}`)),
		}
		for name, uri := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := DecodeTokenURI(uri)
				assert.Error(t, err)
			})
		}
	})
}
