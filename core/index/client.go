package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ShareFM/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 100
	defaultConcurrency = 4
	pageSize           = 500
	maxPages           = 20
)

// Source 标记查询打到哪个索引
type Source string

const (
	SourceAccess   Source = "access-index"
	SourcePlaylist Source = "playlist-index"
	SourceRegistry Source = "registry"
)

// FetchError 索引查询失败。调用方需要显式选择降级为空结果还是向上返回
type FetchError struct {
	Source Source
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options 索引客户端配置
type Options struct {
	AccessURL   string
	PlaylistURL string
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
	HTTPClient  *http.Client
	Registry    Registry
	Logger      *zap.Logger
}

// Client 访问索引与播放列表索引的只读客户端
type Client struct {
	accessURL   string
	playlistURL string
	batchSize   int
	concurrency int
	httpClient  *http.Client
	registry    Registry
	log         *zap.Logger
}

// NewClient 创建索引客户端
func NewClient(opts Options) *Client {
	c := &Client{
		accessURL:   strings.TrimRight(opts.AccessURL, "/"),
		playlistURL: strings.TrimRight(opts.PlaylistURL, "/"),
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		httpClient:  opts.HTTPClient,
		registry:    opts.Registry,
		log:         opts.Logger,
	}
	if c.batchSize <= 0 {
		c.batchSize = defaultBatchSize
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if c.log == nil {
		c.log = logger.Named("index")
	}
	return c
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// query 执行一次 GraphQL 查询并把 data 解码到 out
func (c *Client) query(ctx context.Context, endpoint, query string, vars map[string]interface{}, out interface{}) error {
	if endpoint == "" {
		return errors.New("index endpoint not configured")
	}
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var parsed gqlResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if decodeErr == nil && len(parsed.Errors) > 0 {
		msg := strings.TrimSpace(parsed.Errors[0].Message)
		if msg == "" {
			msg = "unknown GraphQL error"
		}
		return errors.New(msg)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if len(parsed.Data) == 0 || string(parsed.Data) == "null" {
		return errors.New("response has no data")
	}
	if err := json.Unmarshal(parsed.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// flexInt 子图里的 BigInt 以字符串返回，Int 以数字返回，两种都接受
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = flexInt(v)
	return nil
}

// toMillis 索引里的时间戳是秒，统一转成毫秒
func toMillis(v int64) int64 {
	if v > 0 && v < 1_000_000_000_000 {
		return v * 1000
	}
	return v
}
