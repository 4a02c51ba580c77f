package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxHops 是一条外来消息在消费者之间转投的上限，超过后丢弃，防止无人认领的消息无限循环。
const MaxHops = 32

// ErrNotOwned 表示消息属于另一个实例的队列。传输层收到它时把消息转投给其他消费者，而不是确认丢弃。
var ErrNotOwned = errors.New("invocation belongs to another instance")

// Envelope 是传输层上的一条调用消息。Instance 标识持有该请求的进程，Hops 记录被转投的次数。
type Envelope struct {
	ID          string `json:"id"`
	OperatorURI string `json:"operator_uri"`
	Instance    string `json:"instance,omitempty"`
	Hops        int    `json:"hops,omitempty"`
}

// Handler 处理从传输层取出的调用消息。
type Handler func(ctx context.Context, env Envelope) error

// Producer 把调用消息投递到传输层。
type Producer interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Consumer 从传输层消费调用消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Dispatcher 同时具备投递与消费能力，是 Processor 与具体消息系统之间的边界。
type Dispatcher interface {
	Producer
	Consumer
}

// forward 返回转投用的消息副本；超过 MaxHops 时第二个返回值为 false。
func forward(env Envelope) (Envelope, bool) {
	env.Hops++
	return env, env.Hops <= MaxHops
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("解析调用消息失败: %w", err)
	}
	if env.ID == "" {
		return env, errors.New("调用消息缺少 id")
	}
	return env, nil
}
