package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ContentText     = "text"
	ContentImage    = "image"
	ContentFlex     = "flex"
	ContentSticker  = "sticker"
	ContentImagemap = "imagemap"
)

const stickerURLFormat = "https://stickershop.line-scdn.net/stickershop/v1/sticker/%s/android/sticker.png"

type Content struct {
	Text               string          `json:"text,omitempty"`
	Type               string          `json:"type"`
	AltText            string          `json:"altText,omitempty"`
	Contents           json.RawMessage `json:"contents,omitempty"`
	PreviewImageURL    string          `json:"previewImageUrl,omitempty"`
	OriginalContentURL string          `json:"originalContentUrl,omitempty"`
	PackageID          string          `json:"packageId,omitempty"`
	StickerID          string          `json:"stickerId,omitempty"`
}

func (c Content) StickerURL() string {
	if strings.TrimSpace(c.StickerID) == "" {
		return ""
	}
	return fmt.Sprintf(stickerURLFormat, c.StickerID)
}

// Summary renders the content as a single line of text.
func (c Content) Summary() string {
	switch c.Type {
	case ContentText, "":
		if strings.TrimSpace(c.Text) == "" {
			return ""
		}
		return CompactText(c.Text)
	case ContentImage:
		return strings.TrimSpace("[image] " + firstNonEmpty(c.PreviewImageURL, c.OriginalContentURL))
	case ContentFlex, ContentImagemap:
		return CompactText(c.AltText)
	case ContentSticker:
		return strings.TrimSpace("[sticker] " + c.StickerURL())
	default:
		return "Unsupported message type"
	}
}

// Contents is the content field of a message. The backend sends a single
// object for most types and a list for imagemaps; only the first element of
// a list is ever rendered.
type Contents struct {
	Items  []Content
	IsList bool
}

func SingleContent(c Content) Contents {
	return Contents{Items: []Content{c}}
}

func (c Contents) Primary() (Content, bool) {
	if len(c.Items) == 0 {
		return Content{}, false
	}
	return c.Items[0], true
}

func (c *Contents) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Contents{}
		return nil
	}
	if trimmed[0] == '[' {
		var items []Content
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("content list: %w", err)
		}
		*c = Contents{Items: items, IsList: true}
		return nil
	}
	var one Content
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	*c = SingleContent(one)
	return nil
}

func (c Contents) MarshalJSON() ([]byte, error) {
	if c.IsList {
		if c.Items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Items)
	}
	if len(c.Items) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(c.Items[0])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
