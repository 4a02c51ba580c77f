package invocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"OperatorHub/pkg/logger"
)

// RedisConfig 描述 Redis 传输的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Key       string
	BlockWait time.Duration
}

// RedisDispatcher 使用 Redis list（LPUSH/BRPOP）传递 JSON 编码的调用消息，可跨进程消费。
type RedisDispatcher struct {
	client *redis.Client
	key    string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisDispatcher 连接 Redis 并创建传输。Key 为空时使用本进程独有的 list，
// 避免与共享同一 Redis 的其他实例互相取走消息。
func NewRedisDispatcher(ctx context.Context, cfg RedisConfig) (*RedisDispatcher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "operatorhub:invocations:" + uuid.NewString()
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisDispatcher{client: client, key: key, wait: wait, log: logger.Named("invocation.redis")}, nil
}

// Key 返回使用中的 list 名称。
func (d *RedisDispatcher) Key() string { return d.key }

// Publish 将调用消息推入 Redis list。
func (d *RedisDispatcher) Publish(ctx context.Context, env Envelope) error {
	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := d.client.LPush(ctx, d.key, body).Err(); err != nil {
		return fmt.Errorf("Redis 投递调用请求 %s 失败: %w", env.ID, err)
	}
	return nil
}

// Consume 通过 BRPOP 取出调用消息。外来消息带着跳数重新 LPUSH，排到其他消息之后等待其他实例；
// 其他处理失败的消息 RPUSH 回去立即重试；无法解析的消息被丢弃。
func (d *RedisDispatcher) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := d.client.BRPop(ctx, d.wait, d.key).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取调用请求失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				d.dispatch(ctx, values[1], handler)
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (d *RedisDispatcher) dispatch(ctx context.Context, raw string, handler Handler) {
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		d.log.Warn("丢弃无法解析的调用消息", slog.String("key", d.key), slog.Any("error", err))
		return
	}
	handlerErr := handler(ctx, env)
	switch {
	case handlerErr == nil:
	case errors.Is(handlerErr, ErrNotOwned):
		next, ok := forward(env)
		if !ok {
			d.log.Warn("外来调用消息超过转投上限，已丢弃", slog.String("invocation_id", env.ID), slog.String("instance", env.Instance))
			return
		}
		if err := d.Publish(ctx, next); err != nil {
			d.log.Warn("转投调用消息失败", slog.String("invocation_id", env.ID), slog.Any("error", err))
		}
	default:
		body, err := encodeEnvelope(env)
		if err == nil {
			err = d.client.RPush(ctx, d.key, body).Err()
		}
		if err != nil {
			d.log.Warn("重新放回调用消息失败", slog.String("invocation_id", env.ID), slog.Any("error", err))
		}
	}
}

// Close 关闭 Redis 连接。
func (d *RedisDispatcher) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}
