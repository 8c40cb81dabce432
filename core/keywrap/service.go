package keywrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ShareFM/core/contentcrypto"
	"ShareFM/logger"
	"ShareFM/model"

	"go.uber.org/zap"
)

// 信封记录在远端索引上的标签
const (
	tagAppName     = "Heaven"
	tagEnvelope    = "content-key-envelope"
	envelopeFormat = 1
	lookupLimit    = 8
)

// Options 密钥包裹服务配置
type Options struct {
	AgentURL   string // tags/query 与签发接口
	GatewayURL string // resolve/{id}
	HTTPClient *http.Client
	Store      Store
	Logger     *zap.Logger
}

// Service 解析 (content, owner, grantee) 的包裹密钥。
// 顺序: 本地存储 -> 远端信封索引 -> 请求签发后再查一次。
type Service struct {
	agentURL   string
	gatewayURL string
	httpClient *http.Client
	store      Store
	log        *zap.Logger
}

// NewService 创建服务
func NewService(opts Options) *Service {
	s := &Service{
		agentURL:   strings.TrimRight(opts.AgentURL, "/"),
		gatewayURL: strings.TrimRight(opts.GatewayURL, "/"),
		httpClient: opts.HTTPClient,
		store:      opts.Store,
		log:        opts.Logger,
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if s.log == nil {
		s.log = logger.Named("keywrap")
	}
	return s
}

type envelopeRecord struct {
	Version      int    `json:"version"`
	ContentID    string `json:"contentId"`
	Owner        string `json:"owner"`
	Grantee      string `json:"grantee"`
	EphemeralPub string `json:"ephemeralPub"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
}

// envelope 校验记录确实属于请求的三元组
func (r envelopeRecord) envelope(contentID, owner, grantee string) (*contentcrypto.Envelope, error) {
	if r.Version != envelopeFormat {
		return nil, fmt.Errorf("unsupported envelope version %d", r.Version)
	}
	if model.CanonicalID(r.ContentID) != contentID ||
		model.NormalizeAddress(r.Owner) != owner ||
		model.NormalizeAddress(r.Grantee) != grantee {
		return nil, fmt.Errorf("envelope does not match content/owner/grantee")
	}
	return contentcrypto.EnvelopeFromHex(r.EphemeralPub, r.IV, r.Ciphertext)
}

// Resolve 找不到时返回 model.ErrNotShared
func (s *Service) Resolve(ctx context.Context, contentID, owner, grantee string) (*contentcrypto.Envelope, error) {
	contentID = model.CanonicalID(contentID)
	owner = model.NormalizeAddress(owner)
	grantee = model.NormalizeAddress(grantee)

	if s.store != nil {
		env, err := s.store.Get(ctx, contentID, grantee)
		if err != nil {
			s.log.Warn("wrapped key store read failed", logger.String("contentId", contentID), logger.ErrorField(err))
		} else if env != nil {
			return env, nil
		}
	}

	env, err := s.lookupRemote(ctx, contentID, owner, grantee)
	if err != nil {
		s.log.Warn("remote envelope lookup failed", logger.String("contentId", contentID), logger.ErrorField(err))
	}
	if env == nil {
		env, err = s.requestIssuance(ctx, contentID, owner, grantee)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrNotShared, err)
		}
	}
	if env == nil {
		return nil, model.ErrNotShared
	}

	if s.store != nil {
		if err := s.store.Put(ctx, contentID, grantee, env); err != nil {
			s.log.Warn("wrapped key store write failed", logger.String("contentId", contentID), logger.ErrorField(err))
		}
	}
	return env, nil
}

type tagFilter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type tagQuery struct {
	Filters []tagFilter `json:"filters"`
	First   int         `json:"first"`
}

type tagQueryResponse struct {
	Items []struct {
		DataitemIDSnake string `json:"dataitem_id"`
		DataitemID      string `json:"dataitemId"`
		ID              string `json:"id"`
	} `json:"items"`
}

func (s *Service) lookupRemote(ctx context.Context, contentID, owner, grantee string) (*contentcrypto.Envelope, error) {
	if s.agentURL == "" {
		return nil, nil
	}
	query := tagQuery{
		Filters: []tagFilter{
			{Name: "App-Name", Values: []string{tagAppName}},
			{Name: "Heaven-Type", Values: []string{tagEnvelope}},
			{Name: "Content-Id", Values: []string{contentID}},
			{Name: "Owner", Values: []string{owner}},
			{Name: "Grantee", Values: []string{grantee}},
		},
		First: lookupLimit,
	}
	var resp tagQueryResponse
	if err := s.postJSON(ctx, s.agentURL+"/tags/query", query, &resp); err != nil {
		return nil, err
	}

	var lastErr error
	for _, item := range resp.Items {
		id := firstNonEmpty(item.DataitemIDSnake, item.DataitemID, item.ID)
		if id == "" {
			continue
		}
		env, err := s.fetchEnvelope(ctx, id, contentID, owner, grantee)
		if err != nil {
			lastErr = err
			continue
		}
		return env, nil
	}
	return nil, lastErr
}

func (s *Service) fetchEnvelope(ctx context.Context, itemID, contentID, owner, grantee string) (*contentcrypto.Envelope, error) {
	if s.gatewayURL == "" {
		return nil, fmt.Errorf("gateway not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gatewayURL+"/resolve/"+url.PathEscape(itemID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve %s: HTTP %d", itemID, resp.StatusCode)
	}
	var rec envelopeRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", itemID, err)
	}
	return rec.envelope(contentID, owner, grantee)
}

type issueRequest struct {
	ContentID string `json:"contentId"`
	Owner     string `json:"owner"`
	Grantee   string `json:"grantee"`
}

// requestIssuance 请求签发，成功后再查一次远端
func (s *Service) requestIssuance(ctx context.Context, contentID, owner, grantee string) (*contentcrypto.Envelope, error) {
	if s.agentURL == "" {
		return nil, fmt.Errorf("key-wrap service not configured")
	}
	var rec envelopeRecord
	if err := s.postJSON(ctx, s.agentURL+"/keys/issue", issueRequest{ContentID: contentID, Owner: owner, Grantee: grantee}, &rec); err != nil {
		return nil, fmt.Errorf("request issuance: %w", err)
	}
	// 签发接口可能直接返回信封
	if rec.Ciphertext != "" {
		if env, err := rec.envelope(contentID, owner, grantee); err == nil {
			return env, nil
		}
	}
	s.log.Info("wrapped key issuance requested", logger.String("contentId", contentID), logger.String("grantee", grantee))
	return s.lookupRemote(ctx, contentID, owner, grantee)
}

func (s *Service) postJSON(ctx context.Context, endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
