package worker

import (
	"context"

	"go.uber.org/zap"
)

// Sender delivers a single email. Implementations: SES, log (development).
type Sender interface {
	Send(ctx context.Context, to, subject, body string) (messageID string, err error)
}

// LogSender is a simple sender that logs emails (for testing/development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	s.logger.Info("logging email (development mode)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)),
	)
	return "log-" + to, nil
}
