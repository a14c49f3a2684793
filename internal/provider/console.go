package provider

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// Console logs sends instead of delivering them. Development only.
type Console struct {
	logger *zap.Logger
	seq    atomic.Int64
}

var _ Provider = (*Console)(nil)

func NewConsole(logger *zap.Logger) *Console {
	return &Console{logger: logger}
}

func (c *Console) Send(_ context.Context, creds model.ProviderCredentials, to, body string) (string, error) {
	id := fmt.Sprintf("console-%d", c.seq.Add(1))
	c.logger.Info("console send",
		zap.String("from", creds.PhoneNumberID),
		zap.String("to", to),
		zap.String("message_id", id),
		zap.String("body", body))
	return id, nil
}
