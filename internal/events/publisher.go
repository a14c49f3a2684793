package events

import (
	"encoding/json"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// Event types published on the campaign.events exchange. The webhook and UI
// layers consume these; the engine never reads them back.
const (
	CampaignPromoted  = "campaign.promoted"
	CampaignPaused    = "campaign.paused"
	CampaignResumed   = "campaign.resumed"
	CampaignCancelled = "campaign.cancelled"
	CampaignCompleted = "campaign.completed"
	CampaignFailed    = "campaign.failed"
)

const exchangeName = "campaign.events"

type CampaignEvent struct {
	Type       string               `json:"type"`
	CampaignID int64                `json:"campaign_id"`
	TenantID   string               `json:"tenant_id"`
	AccountID  string               `json:"account_id"`
	Status     model.CampaignStatus `json:"status"`
	Reason     string               `json:"reason,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// Publisher emits campaign lifecycle events. Publishing is best effort: a
// broker hiccup is logged, never propagated into the delivery path.
type Publisher interface {
	Publish(eventType string, c *model.Campaign, reason string)
	Close()
}

// AMQPPublisher publishes to a durable topic exchange, routing key = event type.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger
}

var _ Publisher = (*AMQPPublisher)(nil)

func NewAMQPPublisher(url string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch, logger: logger}, nil
}

func (p *AMQPPublisher) Publish(eventType string, c *model.Campaign, reason string) {
	body, err := json.Marshal(CampaignEvent{
		Type:       eventType,
		CampaignID: c.ID,
		TenantID:   c.TenantID,
		AccountID:  c.AccountID,
		Status:     c.Status,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error("marshal campaign event", zap.Error(err))
		return
	}
	err = p.channel.Publish(exchangeName, eventType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		p.logger.Error("publish campaign event",
			zap.String("type", eventType),
			zap.Int64("campaign_id", c.ID),
			zap.Error(err))
	}
}

func (p *AMQPPublisher) Close() {
	p.channel.Close()
	p.conn.Close()
}

// NoopPublisher is used when no broker is configured.
type NoopPublisher struct{}

var _ Publisher = NoopPublisher{}

func (NoopPublisher) Publish(string, *model.Campaign, string) {}
func (NoopPublisher) Close()                                  {}
