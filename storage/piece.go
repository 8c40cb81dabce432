package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ShareFM/logger"
)

// ErrPieceNotFound 所有后端都没有这个分片
var ErrPieceNotFound = errors.New("piece not found")

// maxPieceSize 单个分片的读取上限
const maxPieceSize = 512 << 20

// PieceFetcher 按 piece pointer 取回加密字节
type PieceFetcher interface {
	Fetch(ctx context.Context, piecePointer string) ([]byte, error)
}

// GatewayFetcher 依次尝试多个 HTTP 网关
type GatewayFetcher struct {
	bases      []string
	httpClient *http.Client
}

// NewGatewayFetcher primary 为 {gateway}，会拼成 {gateway}/resolve/{cid}；
// fallbacks 是完整前缀，直接拼接 cid，也可以用 {cid} 占位。
func NewGatewayFetcher(primary string, fallbacks []string, httpClient *http.Client) *GatewayFetcher {
	var bases []string
	if p := strings.TrimRight(strings.TrimSpace(primary), "/"); p != "" {
		bases = append(bases, p+"/resolve/")
	}
	for _, fb := range fallbacks {
		if fb = strings.TrimSpace(fb); fb != "" && !contains(bases, fb) {
			bases = append(bases, fb)
		}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &GatewayFetcher{bases: bases, httpClient: httpClient}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Candidates 按尝试顺序生成 URL；pointer 本身是 URL 时排在最前
func (g *GatewayFetcher) Candidates(piecePointer string) []string {
	p := strings.TrimSpace(piecePointer)
	var urls []string
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		urls = append(urls, p)
		if u, err := url.Parse(p); err == nil {
			p = u.Path[strings.LastIndex(u.Path, "/")+1:]
		}
	}
	p = strings.TrimPrefix(strings.TrimPrefix(p, "ipfs://"), "ar://")
	if p == "" {
		return urls
	}
	for _, base := range g.bases {
		var candidate string
		if strings.Contains(base, "{cid}") {
			candidate = strings.ReplaceAll(base, "{cid}", url.PathEscape(p))
		} else {
			if !strings.HasSuffix(base, "/") {
				base += "/"
			}
			candidate = base + url.PathEscape(p)
		}
		if !contains(urls, candidate) {
			urls = append(urls, candidate)
		}
	}
	return urls
}

// Fetch 依次请求候选 URL，返回第一个成功的结果
func (g *GatewayFetcher) Fetch(ctx context.Context, piecePointer string) ([]byte, error) {
	candidates := g.Candidates(piecePointer)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no gateway for %q", ErrPieceNotFound, piecePointer)
	}
	var errs []error
	notFound := 0
	for _, u := range candidates {
		data, status, err := g.get(ctx, u)
		if err == nil {
			return data, nil
		}
		if status == http.StatusNotFound {
			notFound++
		}
		logger.Debug("gateway fetch failed", logger.String("url", u), logger.ErrorField(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if notFound == len(candidates) {
		return nil, fmt.Errorf("%w: %s", ErrPieceNotFound, piecePointer)
	}
	return nil, errors.Join(errs...)
}

func (g *GatewayFetcher) get(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("GET %s: HTTP %d", u, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPieceSize+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("GET %s: %w", u, err)
	}
	if len(data) > maxPieceSize {
		return nil, resp.StatusCode, fmt.Errorf("GET %s: piece larger than %d bytes", u, maxPieceSize)
	}
	if len(data) == 0 {
		return nil, resp.StatusCode, fmt.Errorf("GET %s: empty body", u)
	}
	return data, resp.StatusCode, nil
}

// Chain 按顺序尝试多个后端
type Chain []PieceFetcher

// Fetch 第一个成功的后端胜出
func (c Chain) Fetch(ctx context.Context, piecePointer string) ([]byte, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: no storage backend configured", ErrPieceNotFound)
	}
	var errs []error
	for _, f := range c {
		data, err := f.Fetch(ctx, piecePointer)
		if err == nil {
			return data, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
