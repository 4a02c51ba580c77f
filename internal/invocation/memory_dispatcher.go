package invocation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/pkg/logger"
)

// MemoryDispatcher 使用 channel 在进程内传递调用消息。多个 Processor 共享同一个实例时，
// 它的行为与多个进程共享一个 broker 相同。
type MemoryDispatcher struct {
	ch     chan Envelope
	log    *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewMemoryDispatcher 创建内存传输，size 非正时为 64。
func NewMemoryDispatcher(size int) *MemoryDispatcher {
	if size <= 0 {
		size = 64
	}
	return &MemoryDispatcher{ch: make(chan Envelope, size), log: logger.Named("invocation.memory")}
}

// Publish 投递消息，缓冲满时阻塞到 ctx 结束。
func (d *MemoryDispatcher) Publish(ctx context.Context, env Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存传输已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.ch <- env:
		return nil
	}
}

// Consume 启动 workerCount 个协程消费，直到 ctx 结束或传输关闭。
// 不属于当前消费者的消息被异步转投，避免消费协程阻塞在自己的缓冲上。
func (d *MemoryDispatcher) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
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
				case env, ok := <-d.ch:
					if !ok {
						return
					}
					if err := handler(ctx, env); errors.Is(err, ErrNotOwned) {
						d.requeue(ctx, env)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *MemoryDispatcher) requeue(ctx context.Context, env Envelope) {
	next, ok := forward(env)
	if !ok {
		d.log.Warn("外来调用消息超过转投上限，已丢弃", slog.String("invocation_id", env.ID), slog.String("instance", env.Instance))
		return
	}
	go func() {
		if err := d.Publish(ctx, next); err != nil {
			d.log.Warn("转投调用消息失败", slog.String("invocation_id", env.ID), slog.Any("error", err))
		}
	}()
}

// Close 关闭传输。
func (d *MemoryDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		close(d.ch)
		d.closed = true
	}
	return nil
}
