package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBadSignature = errors.New("callback signature mismatch")
	ErrGateway      = errors.New("gateway rejected payment creation")
)

// Config holds the partner credentials shared with the e-wallet gateway.
type Config struct {
	Endpoint    string
	PartnerCode string
	AccessKey   string
	SecretKey   string
	RedirectURL string
	IPNURL      string
	RequestType string
}

func ConfigFromEnv() Config {
	return Config{
		Endpoint:    os.Getenv("GATEWAY_ENDPOINT"),
		PartnerCode: os.Getenv("GATEWAY_PARTNER_CODE"),
		AccessKey:   os.Getenv("GATEWAY_ACCESS_KEY"),
		SecretKey:   os.Getenv("GATEWAY_SECRET_KEY"),
		RedirectURL: os.Getenv("GATEWAY_REDIRECT_URL"),
		IPNURL:      os.Getenv("GATEWAY_IPN_URL"),
		RequestType: "captureWallet",
	}
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// ExtraData is the opaque context blob carried through the gateway and
// echoed back in the IPN, base64-encoded JSON.
type ExtraData struct {
	CampaignID *int64 `json:"campaign_id,omitempty"`
	DonorID    string `json:"donor_id,omitempty"`
	Memo       string `json:"memo,omitempty"`
}

func EncodeExtraData(d ExtraData) string {
	raw, _ := json.Marshal(d)
	return base64.StdEncoding.EncodeToString(raw)
}

func DecodeExtraData(s string) (ExtraData, error) {
	var d ExtraData
	if s == "" {
		return d, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode extra data: %w", err)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("unmarshal extra data: %w", err)
	}
	return d, nil
}

// CreatePaymentResult carries the redirect and QR targets the gateway
// returned for an accepted session.
type CreatePaymentResult struct {
	PayURL    string `json:"payUrl"`
	QRCodeURL string `json:"qrCodeUrl"`
	Deeplink  string `json:"deeplink"`
}

type createRequest struct {
	PartnerCode string `json:"partnerCode"`
	AccessKey   string `json:"accessKey"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	ExtraData   string `json:"extraData"`
	RequestType string `json:"requestType"`
	Signature   string `json:"signature"`
}

type createResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	PayURL     string `json:"payUrl"`
	QRCodeURL  string `json:"qrCodeUrl"`
	Deeplink   string `json:"deeplink"`
}

// IPNPayload is the asynchronous callback body. The gateway signs it over a
// different canonical field set than the creation request.
type IPNPayload struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      string `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

func (c *Client) sign(raw string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// createSigningString is the canonical field-ordered string for outbound
// creation requests. Field order is fixed by the gateway contract; changing
// it invalidates every signature.
func (c *Client) createSigningString(r createRequest) string {
	return fmt.Sprintf(
		"accessKey=%s&amount=%d&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		c.cfg.AccessKey, r.Amount, r.ExtraData, r.IPNURL, r.OrderID, r.OrderInfo,
		r.PartnerCode, r.RedirectURL, r.RequestID, r.RequestType,
	)
}

// ipnSigningString is the canonical string for inbound callbacks. Note the
// asymmetry with createSigningString: the gateway adds its own response
// fields and drops the URLs.
func (c *Client) ipnSigningString(p IPNPayload) string {
	return fmt.Sprintf(
		"accessKey=%s&amount=%d&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%d&resultCode=%d&transId=%s",
		c.cfg.AccessKey, p.Amount, p.ExtraData, p.Message, p.OrderID, p.OrderInfo,
		p.OrderType, p.PartnerCode, p.PayType, p.RequestID, p.ResponseTime,
		p.ResultCode, p.TransID,
	)
}

// CreatePayment asks the gateway to open a payment session. A rejected or
// failed call returns an error and the caller must not create any ledger
// state for it.
func (c *Client) CreatePayment(ctx context.Context, orderID, requestID, orderInfo string, amount int64, extra ExtraData) (*CreatePaymentResult, error) {
	req := createRequest{
		PartnerCode: c.cfg.PartnerCode,
		AccessKey:   c.cfg.AccessKey,
		RequestID:   requestID,
		Amount:      amount,
		OrderID:     orderID,
		OrderInfo:   orderInfo,
		RedirectURL: c.cfg.RedirectURL,
		IPNURL:      c.cfg.IPNURL,
		ExtraData:   EncodeExtraData(extra),
		RequestType: c.cfg.RequestType,
	}
	req.Signature = c.sign(c.createSigningString(req))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: http status %d", ErrGateway, resp.StatusCode)
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if out.ResultCode != 0 {
		return nil, fmt.Errorf("%w: result code %d (%s)", ErrGateway, out.ResultCode, out.Message)
	}

	return &CreatePaymentResult{
		PayURL:    out.PayURL,
		QRCodeURL: out.QRCodeURL,
		Deeplink:  out.Deeplink,
	}, nil
}

// VerifyCallback authenticates an IPN payload. Only a payload that passes
// here may ever move a ledger row to success.
func (c *Client) VerifyCallback(p IPNPayload) error {
	expected := c.sign(c.ipnSigningString(p))
	if !hmac.Equal([]byte(expected), []byte(p.Signature)) {
		c.logger.Warn("IPN signature mismatch", zap.String("order_id", p.OrderID))
		return ErrBadSignature
	}
	return nil
}
