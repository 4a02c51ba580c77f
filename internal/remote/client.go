// Package remote 访问远程算子服务：获取插件元数据、放置位置，并把远程算子代理为本地 Operator。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/operator"
	"OperatorHub/pkg/logger"
	"OperatorHub/pkg/plugin"
)

// DefaultHTTPTimeout 是未提供 http.Client 时使用的超时。
const DefaultHTTPTimeout = 15 * time.Second

// Place 是界面上的插入点。
type Place string

const (
	PlaceGridActions      Place = "grid-actions"
	PlaceViewerActions    Place = "viewer-actions"
	PlaceSecondaryActions Place = "secondary-actions"
)

// Valid 判断是否为已知插入点。
func (p Place) Valid() bool {
	switch p {
	case PlaceGridActions, PlaceViewerActions, PlaceSecondaryActions:
		return true
	}
	return false
}

// Placement 描述算子在某插入点的展示方式。
type Placement struct {
	Place Place          `json:"place"`
	View  map[string]any `json:"view,omitempty"`
}

// OperatorPlacement 是放置接口返回的一项。
type OperatorPlacement struct {
	Placement Placement        `json:"placement"`
	Operator  operator.Summary `json:"operator"`
}

// APIError 表示服务端返回的错误。
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("operatorhub api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("operatorhub api error (%d): %s", e.StatusCode, e.Message)
}

// Client 封装与远程算子服务的 HTTP 交互。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient 创建客户端；httpClient 为 nil 时使用带超时的默认客户端。
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid base url")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, log: logger.Named("remote")}, nil
}

// FetchPlugins 获取插件元数据。响应缺少 plugins 字段视为致命错误。
func (c *Client) FetchPlugins(ctx context.Context) ([]plugin.Definition, error) {
	var payload struct {
		Plugins *[]plugin.Definition `json:"plugins"`
	}
	if err := c.get(ctx, "/plugins", &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFetchFailed, err, "fetch plugins")
	}
	if payload.Plugins == nil {
		return nil, xerrors.New(xerrors.CodeFetchMalformed, "plugin metadata response has no plugins key")
	}
	defs := *payload.Plugins
	for i := range defs {
		defs[i] = defs[i].Normalize()
	}
	return defs, nil
}

type contextPayload struct {
	OperatorURI string         `json:"operator_uri,omitempty"`
	Params      map[string]any `json:"params"`
	State       operator.State `json:"state"`
}

func payloadFor(uri string, ectx *operator.ExecutionContext) contextPayload {
	if ectx == nil {
		return contextPayload{OperatorURI: uri, Params: map[string]any{}}
	}
	return contextPayload{OperatorURI: uri, Params: ectx.Params(), State: ectx.State()}
}

// FetchPlacements 获取当前上下文下的算子放置，未知插入点被丢弃并记录警告。
func (c *Client) FetchPlacements(ctx context.Context, ectx *operator.ExecutionContext) ([]OperatorPlacement, error) {
	var payload struct {
		Placements []OperatorPlacement `json:"placements"`
	}
	if err := c.post(ctx, "/placements", payloadFor("", ectx), &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFetchFailed, err, "fetch placements")
	}
	out := make([]OperatorPlacement, 0, len(payload.Placements))
	for _, p := range payload.Placements {
		if !p.Placement.Place.Valid() {
			c.log.Warn("忽略未知的放置位置", slog.String("place", string(p.Placement.Place)), slog.String("operator_uri", p.Operator.URI))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ListOperators 获取远程算子列表。
func (c *Client) ListOperators(ctx context.Context) (operator.Listing, error) {
	var listing operator.Listing
	if err := c.get(ctx, "/operators", &listing); err != nil {
		return operator.Listing{}, xerrors.Wrap(xerrors.CodeFetchFailed, err, "list operators")
	}
	return listing, nil
}

// Enqueue 在远程队列中排入一次调用，返回请求 ID。
func (c *Client) Enqueue(ctx context.Context, uri string, params map[string]any) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/queue", contextPayload{OperatorURI: uri, Params: params}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
