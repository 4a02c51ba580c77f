// Package alerting 在调用请求以严重错误失败时向外部渠道发送告警。
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code         xerrors.Code      `json:"code"`
	Message      string            `json:"message"`
	Severity     xerrors.Severity  `json:"severity"`
	Kind         xerrors.Kind      `json:"kind"`
	OperatorURI  string            `json:"operator_uri"`
	InvocationID string            `json:"invocation_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// EventFromError 根据错误码属性构造事件。
func EventFromError(operatorURI, invocationID string, err error) Event {
	ev := Event{
		Code:         xerrors.CodeOf(err),
		Message:      err.Error(),
		Severity:     xerrors.SeverityOf(err),
		Kind:         xerrors.KindOf(err),
		OperatorURI:  operatorURI,
		InvocationID: invocationID,
		OccurredAt:   time.Now().UTC(),
	}
	if coded, ok := xerrors.From(err); ok {
		ev.Metadata = coded.Metadata()
	}
	return ev
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 把事件投递到多个通知器，低于阈值的事件被忽略。
type FanoutDispatcher struct {
	notifiers   map[Channel]Notifier
	minSeverity xerrors.Severity
}

// NewFanout 创建一个新的 FanoutDispatcher，默认只转发 critical 事件。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set, minSeverity: xerrors.SeverityCritical}
}

// WithMinSeverity 调整转发阈值。
func (d *FanoutDispatcher) WithMinSeverity(sev xerrors.Severity) *FanoutDispatcher {
	d.minSeverity = sev
	return d
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || severityRank(event.Severity) < severityRank(d.minSeverity) {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

func severityRank(s xerrors.Severity) int {
	switch s {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Error("算子告警",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("operator_uri", event.OperatorURI),
		slog.String("invocation_id", event.InvocationID),
		slog.String("error", event.Message),
	)
	return nil
}

// WebhookNotifier 以 JSON POST 的方式把事件推送到外部地址。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("invocation_id", event.InvocationID))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with %d", resp.StatusCode)
	}
	return nil
}
