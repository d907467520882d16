// Package message validates outbound message requests and turns them into a
// protocol-neutral Content value. It has no side effects and does not depend
// on session state.
package message

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

// Type discriminates the content of an outbound message.
type Type string

const (
	TypeText     Type = "text"
	TypeMedia    Type = "media"
	TypeTemplate Type = "template"
)

// MediaKind is the kind of a media attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Content is a validated outbound message body.
type Content struct {
	Type Type

	// TypeText
	Text string

	// TypeMedia
	MediaURL  string
	MediaKind MediaKind
	Caption   string
	MimeType  string
	FileName  string

	// TypeTemplate: the caller payload, untouched.
	Template json.RawMessage
}

type textPayload struct {
	Text *string `json:"text"`
}

type mediaPayload struct {
	MediaURL  *string `json:"mediaUrl"`
	MediaType string  `json:"mediaType"`
	Caption   string  `json:"caption"`
	MimeType  string  `json:"mimeType"`
	FileName  string  `json:"fileName"`
}

// Build validates payload against typ and returns the resulting Content.
//
// text requires a non-empty trimmed "text" (a bare JSON string is accepted too);
// media requires "mediaUrl" and defaults the kind to image; template passes the
// payload through verbatim. Any other type is an invalid argument.
func Build(typ string, payload json.RawMessage) (Content, error) {
	switch Type(typ) {
	case TypeText:
		return buildText(payload)
	case TypeMedia:
		return buildMedia(payload)
	case TypeTemplate:
		if isEmptyJSON(payload) {
			return Content{}, invalid("template payload is required")
		}
		return Content{Type: TypeTemplate, Template: append(json.RawMessage(nil), payload...)}, nil
	case "":
		return Content{}, invalid("message type is required")
	default:
		return Content{}, invalid("unsupported message type %q", typ)
	}
}

func buildText(payload json.RawMessage) (Content, error) {
	var text string
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return Content{}, invalid("text message must be a string")
		}
	} else {
		var p textPayload
		if isEmptyJSON(payload) || json.Unmarshal(payload, &p) != nil || p.Text == nil {
			return Content{}, invalid("text message requires message.text")
		}
		text = *p.Text
	}

	if strings.TrimSpace(text) == "" {
		return Content{}, invalid("text message must not be empty")
	}
	return Content{Type: TypeText, Text: text}, nil
}

func buildMedia(payload json.RawMessage) (Content, error) {
	var p mediaPayload
	if isEmptyJSON(payload) || json.Unmarshal(payload, &p) != nil {
		return Content{}, invalid("media message requires an object payload")
	}
	if p.MediaURL == nil || strings.TrimSpace(*p.MediaURL) == "" {
		return Content{}, invalid("media message requires message.mediaUrl")
	}

	return Content{
		Type:      TypeMedia,
		MediaURL:  strings.TrimSpace(*p.MediaURL),
		MediaKind: ParseMediaKind(p.MediaType),
		Caption:   p.Caption,
		MimeType:  p.MimeType,
		FileName:  p.FileName,
	}, nil
}

// ParseMediaKind maps a caller-supplied kind to a MediaKind. Unknown or empty
// values fall back to image.
func ParseMediaKind(s string) MediaKind {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case MediaVideo:
		return MediaVideo
	case MediaAudio:
		return MediaAudio
	case MediaDocument:
		return MediaDocument
	default:
		return MediaImage
	}
}

func isEmptyJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func invalid(format string, args ...any) error {
	return protocol.Errorf(protocol.ErrInvalidArgument, format, args...)
}
