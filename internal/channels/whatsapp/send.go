package whatsapp

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/nextlevelbuilder/wagate/internal/message"
	"github.com/nextlevelbuilder/wagate/pkg/protocol"
)

// build converts validated content into a wire message, downloading and
// uploading media where needed.
func (c *Client) build(ctx context.Context, content message.Content) (*waE2E.Message, error) {
	switch content.Type {
	case message.TypeText:
		return textMessage(content.Text), nil

	case message.TypeTemplate:
		return templateMessage(content.Template)

	case message.TypeMedia:
		m, err := c.media.Fetch(ctx, content.MediaURL)
		if err != nil {
			return nil, err
		}
		up, err := c.wa.Upload(ctx, m.data, uploadType(content.MediaKind))
		if err != nil {
			return nil, fmt.Errorf("upload media: %w", err)
		}
		mimeType := content.MimeType
		if mimeType == "" {
			mimeType = m.mimeType
		}
		fileName := content.FileName
		if fileName == "" {
			fileName = m.fileName
		}
		return mediaMessage(content.MediaKind, up, mimeType, content.Caption, fileName), nil
	}
	return nil, protocol.Errorf(protocol.ErrInvalidArgument, "unsupported message type %q", content.Type)
}

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// templateMessage decodes a protojson-encoded message. Unknown fields are
// rejected so typos surface as client errors.
func templateMessage(raw []byte) (*waE2E.Message, error) {
	msg := &waE2E.Message{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, protocol.Errorf(protocol.ErrInvalidArgument, "invalid template: %s", err)
	}
	if proto.Size(msg) == 0 {
		return nil, protocol.Errorf(protocol.ErrInvalidArgument, "template is empty")
	}
	return msg, nil
}

func uploadType(kind message.MediaKind) whatsmeow.MediaType {
	switch kind {
	case message.MediaVideo:
		return whatsmeow.MediaVideo
	case message.MediaAudio:
		return whatsmeow.MediaAudio
	case message.MediaDocument:
		return whatsmeow.MediaDocument
	default:
		return whatsmeow.MediaImage
	}
}

func mediaMessage(kind message.MediaKind, up whatsmeow.UploadResponse, mimeType, caption, fileName string) *waE2E.Message {
	length := up.FileLength
	switch kind {
	case message.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
			Mimetype:      proto.String(mimeType),
			Caption:       optional(caption),
		}}
	case message.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
			Mimetype:      proto.String(mimeType),
		}}
	case message.MediaDocument:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
			Mimetype:      proto.String(mimeType),
			FileName:      proto.String(fileName),
			Title:         proto.String(fileName),
			Caption:       optional(caption),
		}}
	default:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &length,
			Mimetype:      proto.String(mimeType),
			Caption:       optional(caption),
		}}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
