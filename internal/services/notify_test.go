package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/AnshRaj112/converse-backend/internal/models"
)

func TestSendChunked(t *testing.T) {
	ctx := context.Background()

	recipients := make([]string, 250)
	for i := range recipients {
		recipients[i] = fmt.Sprintf("user-%03d", i)
	}

	n := &memNotifier{}
	SendChunked(ctx, n, recipients, "t", "b", nil)

	if len(n.calls) != 3 {
		t.Fatalf("dispatch calls = %d, want 3", len(n.calls))
	}
	if got := len(n.calls[0].Recipients); got != 100 {
		t.Fatalf("first chunk = %d recipients, want 100", got)
	}
	if got := len(n.calls[2].Recipients); got != 50 {
		t.Fatalf("last chunk = %d recipients, want 50", got)
	}
	// No recipient dropped or duplicated across chunks.
	seen := map[string]bool{}
	for _, c := range n.calls {
		for _, r := range c.Recipients {
			if seen[r] {
				t.Fatalf("recipient %s dispatched twice", r)
			}
			seen[r] = true
		}
	}
	if len(seen) != len(recipients) {
		t.Fatalf("dispatched %d distinct recipients, want %d", len(seen), len(recipients))
	}
}

func TestSendChunkedEmpty(t *testing.T) {
	n := &memNotifier{}
	SendChunked(context.Background(), n, nil, "t", "b", nil)
	if len(n.calls) != 0 {
		t.Fatalf("dispatch calls for empty recipient list = %d, want 0", len(n.calls))
	}
}

func TestRenderPreview(t *testing.T) {
	tests := []struct {
		msgType models.MessageType
		content string
		want    string
	}{
		{models.MessageTypeText, "hello there", "hello there"},
		{models.MessageTypeImage, "", "📷 Photo"},
		{models.MessageTypeVideo, "", "🎥 Video"},
		{models.MessageTypeVoice, "", "🎤 Voice message"},
		{models.MessageTypeDocument, "", "📄 Document"},
		{models.MessageType("sticker"), "", "New message"},
	}
	for _, tt := range tests {
		if got := RenderPreview(tt.msgType, tt.content); got != tt.want {
			t.Errorf("RenderPreview(%q, %q) = %q, want %q", tt.msgType, tt.content, got, tt.want)
		}
	}
}
