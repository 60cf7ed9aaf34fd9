package worker

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLogSender_Send(t *testing.T) {
	sender := NewLogSender(zap.NewNop())

	messageID, err := sender.Send(context.Background(), "bob@example.com", "Test", "This is a test email")
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if messageID == "" {
		t.Error("expected a message id")
	}
}
