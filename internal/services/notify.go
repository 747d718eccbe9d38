package services

import (
	"context"
	"log"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

// Notifier is the push-notification boundary. Formatting and transport
// live in an external service; the delivery engine only hands over
// recipients and a rendered preview, fire-and-forget.
type Notifier interface {
	Send(ctx context.Context, recipients []string, title, body string, data map[string]string)
}

// notifyChunkSize bounds how many recipients go into one dispatch call.
const notifyChunkSize = 100

// SendChunked splits a recipient list into batches before dispatching.
func SendChunked(ctx context.Context, n Notifier, recipients []string, title, body string, data map[string]string) {
	for start := 0; start < len(recipients); start += notifyChunkSize {
		end := start + notifyChunkSize
		if end > len(recipients) {
			end = len(recipients)
		}
		n.Send(ctx, recipients[start:end], title, body, data)
	}
}

// RenderPreview produces the notification body for a message: the text
// itself, or a type-specific placeholder for media.
func RenderPreview(msgType models.MessageType, content string) string {
	switch msgType {
	case models.MessageTypeText:
		return content
	case models.MessageTypeImage:
		return "📷 Photo"
	case models.MessageTypeVideo:
		return "🎥 Video"
	case models.MessageTypeVoice:
		return "🎤 Voice message"
	case models.MessageTypeDocument:
		return "📄 Document"
	default:
		return "New message"
	}
}

// LogNotifier is the default Notifier when no push provider is wired: it
// records the dispatch and drops it.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, recipients []string, title, body string, _ map[string]string) {
	log.Printf("notify: %d recipient(s), title=%q body=%q", len(recipients), title, body)
}
