package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kevin07696/uniform-pay/internal/domain"
)

// HTTPClient is the subset of *http.Client the adapter needs
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the backend adapter
type Config struct {
	BaseURL string // e.g. https://shop.example.com/api
	// RequestsPerSecond caps outbound calls from this process (0 disables the limiter)
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the commerce backend's public payment endpoints
type Client struct {
	baseURL    string
	httpClient HTTPClient
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a backend client with dependency injection
func NewClient(cfg Config, httpClient HTTPClient, logger *zap.Logger) *Client {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}
}

// envelope is the backend's response wrapper
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type prepayRequest struct {
	IDCard string `json:"id_card"`
	PayWay string `json:"pay_way"`
}

type prepayData struct {
	ClientSN       string          `json:"client_sn"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Subject        string          `json:"subject"`
	QRCode         string          `json:"qr_code"`
	QRCodeImageURL string          `json:"qr_code_image_url"`
}

type statusData struct {
	BizResponse struct {
		ResultCode string `json:"result_code"`
		Data       *struct {
			OrderStatus string `json:"order_status"`
			ClientSN    string `json:"client_sn"`
		} `json:"data"`
	} `json:"biz_response"`
}

type studentData struct {
	Student domain.Student `json:"student"`
}

// Prepay mints a QR code for the subject's unpaid orders
func (c *Client) Prepay(ctx context.Context, subjectID string, method domain.PaymentMethod) (*domain.PrepayResult, error) {
	if subjectID == "" || !method.Valid() {
		return nil, domain.ErrMissingParams
	}

	body, err := json.Marshal(prepayRequest{IDCard: subjectID, PayWay: method.PayWay()})
	if err != nil {
		return nil, fmt.Errorf("marshal prepay request: %w", err)
	}

	env, err := c.do(ctx, http.MethodPost, "/public/prepay", bytes.NewReader(body), domain.ErrorCodePrepayRejected)
	if err != nil {
		return nil, err
	}

	var data prepayData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeDecode, "malformed prepay response", err)
	}
	if data.ClientSN == "" {
		return nil, domain.NewDomainError(domain.ErrorCodePrepayRejected, "backend returned no client_sn")
	}

	c.logger.Info("Prepay issued",
		zap.String("client_sn", data.ClientSN),
		zap.String("payment_method", string(method)),
		zap.String("total_amount", data.TotalAmount.StringFixed(2)),
	)

	return &domain.PrepayResult{
		ClientTransactionID: data.ClientSN,
		TotalAmount:         data.TotalAmount,
		Description:         data.Subject,
		QRPayload:           data.QRCode,
		QRImageURL:          data.QRCodeImageURL,
	}, nil
}

// QueryStatus asks the backend for the authoritative status of one attempt
func (c *Client) QueryStatus(ctx context.Context, clientTransactionID string) (domain.OrderStatus, error) {
	path := "/payment/status?orderNo=" + url.QueryEscape(clientTransactionID)

	env, err := c.do(ctx, http.MethodGet, path, nil, domain.ErrorCodeTransport)
	if err != nil {
		return "", err
	}

	var data statusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", domain.WrapError(domain.ErrorCodeDecode, "malformed status response", err)
	}
	if data.BizResponse.Data == nil {
		// The provider has no order yet; the QR code has not been scanned
		return domain.OrderStatusPending, nil
	}

	status, ok := domain.ParseOrderStatus(data.BizResponse.Data.OrderStatus)
	if !ok {
		// Provider states outside the known set (PAY_ERROR, REFUNDED, ...) never settle an attempt
		c.logger.Warn("Unknown order status, treating as pending",
			zap.String("client_sn", clientTransactionID),
			zap.String("order_status", data.BizResponse.Data.OrderStatus),
		)
		return domain.OrderStatusPending, nil
	}
	return status, nil
}

// LookupStudent resolves a national ID number to a student record
func (c *Client) LookupStudent(ctx context.Context, idNumber string) (*domain.Student, error) {
	if idNumber == "" {
		return nil, domain.ErrMissingParams
	}

	env, err := c.do(ctx, http.MethodGet, "/public/students/query-by-idcard/"+url.PathEscape(idNumber), nil, domain.ErrorCodePrepayRejected)
	if err != nil {
		return nil, err
	}

	var data studentData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeDecode, "malformed student response", err)
	}
	return &data.Student, nil
}

// Ping checks the backend is reachable (used by the health endpoint)
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// do sends one request and unwraps the envelope. rejected is the error code used
// when the backend answers but refuses the request.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, rejected domain.ErrorCode) (*envelope, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.WrapError(domain.ErrorCodeTransport, "rate limiter wait", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, domain.WrapError(domain.ErrorCodeTransport, "backend request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeTransport, "read backend response", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode != http.StatusOK {
		message := env.Message
		if decodeErr != nil || message == "" {
			message = fmt.Sprintf("request failed with status code %d", resp.StatusCode)
		}
		return nil, classify(resp.StatusCode, message, rejected)
	}
	if decodeErr != nil {
		return nil, domain.WrapError(domain.ErrorCodeDecode, "malformed backend envelope", decodeErr)
	}
	if env.Code != http.StatusOK {
		return nil, classify(env.Code, env.Message, rejected)
	}

	return &env, nil
}

// classify maps a non-success backend answer onto the domain error taxonomy
func classify(status int, message string, rejected domain.ErrorCode) error {
	if domain.LooksRateLimited(status, message) {
		return domain.WrapError(domain.ErrorCodeRateLimited, domain.MessageTooManyRequests,
			fmt.Errorf("backend: %s", message)).WithDetail("status", status)
	}
	if status >= http.StatusInternalServerError {
		return domain.WrapError(domain.ErrorCodeTransport, "backend unavailable",
			fmt.Errorf("backend: %s", message)).WithDetail("status", status)
	}
	if message == "" {
		message = domain.MessagePrepayFailed
	}
	return domain.NewDomainError(rejected, message).WithDetail("status", status)
}
