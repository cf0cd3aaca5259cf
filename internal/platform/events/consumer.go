package events

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DefaultExchange = "coverage.events"
	DefaultQueue    = "coverage.cache-invalidation"
)

// Bindings are the routing key patterns the consumer subscribes to.
var Bindings = []string{"tariff.*", "plan.*", "policy.*", "patient.*", "service.*", "factor.*", "financial_year.*", "rule.*"}

// ErrUnknownRoutingKey marks a message no route handles.
var ErrUnknownRoutingKey = errors.New("unknown routing key")

// Invalidator is the cache surface mutation events drive.
type Invalidator interface {
	InvalidateAll()
	InvalidateTariff(id uuid.UUID)
	InvalidateByPlan(id uuid.UUID)
	InvalidateByService(id uuid.UUID)
	InvalidateByPatient(id uuid.UUID)
	InvalidateStatistics()
	InvalidateFactors()
}

// Event is the payload write services publish after a change commits.
// Which ids are set depends on the routing key.
type Event struct {
	ID                uuid.UUID  `json:"id"`
	TariffID          *uuid.UUID `json:"tariff_id,omitempty"`
	PlanID            *uuid.UUID `json:"plan_id,omitempty"`
	ServiceID         *uuid.UUID `json:"service_id,omitempty"`
	ServiceCategoryID *uuid.UUID `json:"service_category_id,omitempty"`
	PolicyID          *uuid.UUID `json:"policy_id,omitempty"`
	PatientID         *uuid.UUID `json:"patient_id,omitempty"`
	FinancialYear     int        `json:"financial_year,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// Route applies the invalidations a mutation event calls for. The routing
// key's first segment names the entity that changed.
func Route(inv Invalidator, routingKey string, ev Event) error {
	entity, _, _ := strings.Cut(routingKey, ".")
	switch entity {
	case "tariff":
		if ev.TariffID == nil {
			return fmt.Errorf("%s: tariff_id is required", routingKey)
		}
		inv.InvalidateTariff(*ev.TariffID)
		if ev.PlanID != nil {
			inv.InvalidateByPlan(*ev.PlanID)
		}
		inv.InvalidateStatistics()
	case "plan":
		if ev.PlanID == nil {
			return fmt.Errorf("%s: plan_id is required", routingKey)
		}
		inv.InvalidateByPlan(*ev.PlanID)
		inv.InvalidateStatistics()
	case "policy":
		// A new policy's plan is not among the tags of the patient's cached
		// results, so the patient is the reliable target.
		if ev.PatientID == nil {
			return fmt.Errorf("%s: patient_id is required", routingKey)
		}
		inv.InvalidateByPatient(*ev.PatientID)
	case "patient":
		if ev.PatientID == nil {
			return fmt.Errorf("%s: patient_id is required", routingKey)
		}
		inv.InvalidateByPatient(*ev.PatientID)
	case "service":
		if ev.ServiceID == nil {
			return fmt.Errorf("%s: service_id is required", routingKey)
		}
		inv.InvalidateByService(*ev.ServiceID)
	case "factor", "financial_year":
		inv.InvalidateFactors()
	case "rule":
		if ev.PlanID != nil && ev.ServiceCategoryID == nil {
			inv.InvalidateByPlan(*ev.PlanID)
		} else {
			inv.InvalidateAll()
		}
		inv.InvalidateStatistics()
	default:
		return fmt.Errorf("%q: %w", routingKey, ErrUnknownRoutingKey)
	}
	return nil
}

// Consumer reads mutation events from a RabbitMQ topic exchange and
// invalidates the calculation cache accordingly.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	inv      Invalidator
	logger   zerolog.Logger
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %q", u.Scheme)
	}
	return clean, nil
}

// Dial connects to the broker. Empty exchange and queue names fall back to
// the defaults.
func Dial(amqpURL, exchange, queue string, inv Invalidator, logger zerolog.Logger) (*Consumer, error) {
	clean, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(clean)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return newConsumer(conn, ch, exchange, queue, inv, logger), nil
}

func newConsumer(conn *amqp.Connection, ch *amqp.Channel, exchange, queue string, inv Invalidator, logger zerolog.Logger) *Consumer {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &Consumer{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		queue:    queue,
		inv:      inv,
		logger:   logger.With().Str("component", "event_consumer").Logger(),
	}
}

// Start declares the topology and consumes until ctx is cancelled or the
// channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.exchange, err)
	}
	q, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	for _, key := range Bindings {
		if err := c.ch.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					c.logger.Warn().Msg("event channel closed")
					return
				}
				c.deliver(d)
			}
		}
	}()
	c.logger.Info().Str("exchange", c.exchange).Str("queue", q.Name).Msg("consuming mutation events")
	return nil
}

// deliver acknowledges every message. Malformed and unroutable events are
// dropped; redelivering them would fail the same way.
func (c *Consumer) deliver(d amqp.Delivery) {
	if err := c.Handle(d.RoutingKey, d.Body); err != nil {
		c.logger.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping mutation event")
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("ack failed")
	}
}

// Handle decodes one message body and routes it.
func (c *Consumer) Handle(routingKey string, body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode %s event: %w", routingKey, err)
	}
	if err := Route(c.inv, routingKey, ev); err != nil {
		return err
	}
	c.logger.Debug().Str("routing_key", routingKey).Str("event_id", ev.ID.String()).Msg("mutation event applied")
	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
