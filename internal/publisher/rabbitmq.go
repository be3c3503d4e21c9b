package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"cascade/internal/domain"
)

type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	queueName  string
	logger     *slog.Logger

	mu     sync.Mutex
	queues map[string]struct{}
}

// Config names the direct exchange and the prefixes of the per-node routing
// keys and queues.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
}

// NodeRoutingKey is the key a node's allocations are published with.
func NodeRoutingKey(prefix, nodeID string) string {
	return prefix + "." + nodeID
}

// NodeQueue is the durable queue holding a node's pushed allocations.
func NodeQueue(prefix, nodeID string) string {
	return prefix + "." + nodeID
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue_prefix", cfg.QueueName,
		"routing_key_prefix", cfg.RoutingKey,
	)

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		queueName:  cfg.QueueName,
		logger:     logger.With("component", "publisher"),
		queues:     make(map[string]struct{}),
	}, nil
}

// ensureNodeQueue declares and binds the node's queue once per process so
// that allocations published before the node connects are kept.
func (r *RabbitMQ) ensureNodeQueue(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[nodeID]; ok {
		return nil
	}

	q, err := r.channel.QueueDeclare(
		NodeQueue(r.queueName, nodeID),
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = r.channel.QueueBind(
		q.Name,
		NodeRoutingKey(r.routingKey, nodeID),
		r.exchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	r.queues[nodeID] = struct{}{}
	r.logger.Debug("node queue bound", "node_id", nodeID, "queue", q.Name)
	return nil
}

// AllocationMessage is the push-mode payload for a freshly dispatched
// allocation. It is routed to the owning node only. Nodes that miss it still
// receive the batch through claim-task.
type AllocationMessage struct {
	Action        string    `json:"action"`
	AllocationID  string    `json:"allocation_id"`
	NodeID        string    `json:"node_id"`
	TaskID        string    `json:"task_id"`
	TaskName      string    `json:"task_name"`
	FeedIDs       []string  `json:"feed_ids"`
	ScheduleRunID string    `json:"schedule_run_id"`
	Timestamp     time.Time `json:"timestamp"`
}

func (r *RabbitMQ) PublishAllocation(ctx context.Context, allocation *domain.Allocation) error {
	msg := AllocationMessage{
		Action:        "dispatch",
		AllocationID:  allocation.ID,
		NodeID:        allocation.NodeID,
		TaskID:        allocation.TaskID,
		TaskName:      allocation.TaskName,
		FeedIDs:       []string(allocation.FeedIDs),
		ScheduleRunID: allocation.ScheduleRunID,
		Timestamp:     time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := r.ensureNodeQueue(allocation.NodeID); err != nil {
		return err
	}

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		NodeRoutingKey(r.routingKey, allocation.NodeID),
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    allocation.ID,
			Headers:      amqp.Table{"node_id": allocation.NodeID},
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	r.logger.Debug("published allocation",
		"allocation_id", allocation.ID,
		"node_id", allocation.NodeID,
		"feeds", len(allocation.FeedIDs),
	)

	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
