package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/speedyspoon/internal/config"
)

var (
	// ErrConfig 网关密钥缺失等配置问题，重试无意义
	ErrConfig = errors.New("payment gateway not configured")
	// ErrRequest 网关请求失败（网络/非 2xx），可由用户重新发起支付
	ErrRequest = errors.New("payment gateway request failed")
)

// InitResult 初始化交易的返回：用户侧支付交互通过 AuthorizationURL 打开
type InitResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// VerifyResult verify-by-reference 的结果。任何通道上报的状态
// 都必须以这里的 Status 为准，不信任回调/webhook 自带的值。
type VerifyResult struct {
	Reference string
	Status    string // success / failed / abandoned
	Amount    int64  // 网关实收金额，单位：分
	Raw       string // 原始响应体，留作流水
}

// Succeeded 网关是否确认收款成功
func (v *VerifyResult) Succeeded() bool {
	return v.Status == "success"
}

// Client Paystack 风格的支付网关适配器
type Client struct {
	secretKey   string
	baseURL     string
	callbackURL string
	httpClient  *http.Client
}

// NewClient 创建网关客户端
func NewClient(cfg *config.PaymentConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		secretKey:   cfg.SecretKey,
		baseURL:     cfg.BaseURL,
		callbackURL: cfg.CallbackURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Initialize 在网关侧登记一笔交易，换取用户侧支付交互的入口。
// reference 由调用方生成且从不复用。
func (c *Client) Initialize(ctx context.Context, email string, amount int64, reference string, metadata map[string]interface{}) (*InitResult, error) {
	if c.secretKey == "" {
		return nil, ErrConfig
	}

	body, err := json.Marshal(map[string]interface{}{
		"email":        email,
		"amount":       amount,
		"reference":    reference,
		"callback_url": c.callbackURL,
		"metadata":     metadata,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status  bool       `json:"status"`
		Message string     `json:"message"`
		Data    InitResult `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("%w: %s", ErrRequest, resp.Message)
	}
	return &resp.Data, nil
}

// VerifyByReference 向网关二次确认交易结果
func (c *Client) VerifyByReference(ctx context.Context, reference string) (*VerifyResult, error) {
	if c.secretKey == "" {
		return nil, ErrConfig
	}

	var resp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			Reference string `json:"reference"`
			Status    string `json:"status"`
			Amount    int64  `json:"amount"`
		} `json:"data"`
	}
	raw, err := c.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("%w: %s", ErrRequest, resp.Message)
	}
	return &VerifyResult{
		Reference: resp.Data.Reference,
		Status:    resp.Data.Status,
		Amount:    resp.Data.Amount,
		Raw:       string(raw),
	}, nil
}

// ValidateSignature 校验 webhook 签名：对原始 body 做 HMAC-SHA512，
// 与 x-paystack-signature 头常量时间比较。
func (c *Client) ValidateSignature(body []byte, signature string) bool {
	if c.secretKey == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(c.secretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: http %d", ErrRequest, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrRequest, err)
		}
	}
	return raw, nil
}
