package invocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"OperatorHub/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 传输的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQDispatcher 使用 RabbitMQ 队列传递调用消息。
// MessageId 为请求 ID，Type 为算子 URI，AppId 为持有请求的实例，消息体是 JSON 编码的 Envelope。
type RabbitMQDispatcher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	delivery uint8
	log      *slog.Logger

	publishMu sync.Mutex
}

// NewRabbitMQDispatcher 连接 RabbitMQ 并声明队列。Queue 为空时声明本进程独有、自动删除的队列。
func NewRabbitMQDispatcher(cfg RabbitMQConfig) (*RabbitMQDispatcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue, autoDelete := cfg.Queue, cfg.AutoDelete
	if queue == "" {
		queue = "operatorhub.invocations." + uuid.NewString()
		autoDelete = true
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, autoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", queue, err)
	}
	delivery := amqp.Transient
	if cfg.Durable {
		delivery = amqp.Persistent
	}
	return &RabbitMQDispatcher{
		conn:     conn,
		ch:       ch,
		queue:    queue,
		delivery: delivery,
		log:      logger.Named("invocation.rabbitmq"),
	}, nil
}

// Queue 返回使用中的队列名称。
func (d *RabbitMQDispatcher) Queue() string { return d.queue }

// Publish 投递调用消息。amqp channel 不能并发发布，这里串行化。
func (d *RabbitMQDispatcher) Publish(ctx context.Context, env Envelope) error {
	if d == nil || d.ch == nil {
		return errors.New("RabbitMQ 传输未初始化")
	}
	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	d.publishMu.Lock()
	defer d.publishMu.Unlock()
	return d.ch.PublishWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: d.delivery,
		MessageId:    env.ID,
		Type:         env.OperatorURI,
		AppId:        env.Instance,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"operator_uri": env.OperatorURI, "hops": int32(env.Hops)},
		Body:         body,
	})
}

// Consume 以手动确认模式消费。外来消息带着跳数重新发布后确认；其他处理失败的消息 Nack 并重新入队；
// 无法解析的消息 Nack 且不重新入队。
func (d *RabbitMQDispatcher) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if d == nil || d.ch == nil {
		return errors.New("RabbitMQ 传输未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := d.ch.Consume(d.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					d.dispatch(ctx, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (d *RabbitMQDispatcher) dispatch(ctx context.Context, msg amqp.Delivery, handler Handler) {
	env, err := decodeEnvelope(msg.Body)
	if err != nil {
		d.log.Warn("丢弃无法解析的调用消息", slog.String("message_id", msg.MessageId), slog.Any("error", err))
		_ = msg.Nack(false, false)
		return
	}
	handlerErr := handler(ctx, env)
	switch {
	case handlerErr == nil:
		_ = msg.Ack(false)
	case errors.Is(handlerErr, ErrNotOwned):
		if next, ok := forward(env); ok {
			if err := d.Publish(ctx, next); err != nil {
				d.log.Warn("转投调用消息失败", slog.String("invocation_id", env.ID), slog.Any("error", err))
				_ = msg.Nack(false, true)
				return
			}
		} else {
			d.log.Warn("外来调用消息超过转投上限，已丢弃", slog.String("invocation_id", env.ID), slog.String("instance", env.Instance))
		}
		_ = msg.Ack(false)
	default:
		_ = msg.Nack(false, true)
	}
}

// Close 关闭 channel 与连接。
func (d *RabbitMQDispatcher) Close() error {
	if d == nil {
		return nil
	}
	if d.ch != nil {
		_ = d.ch.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
