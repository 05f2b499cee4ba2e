package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/config"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/sirupsen/logrus"
)

// CheckoutRequest is what the reconciler asks the gateway for
type CheckoutRequest struct {
	OrderCode   int64
	Amount      float64
	Description string
	Buyer       models.BuyerInfo
	ExpiresAt   time.Time
}

// CheckoutSession is the gateway's answer to a checkout request
type CheckoutSession struct {
	CheckoutURL   string
	QRCode        string
	PaymentLinkID string
}

// PaymentGateway opens checkout sessions and authenticates callbacks
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	VerifyWebhook(body []byte) (*models.GatewayCallback, error)
}

// PayOSService handles payment gateway integration with PayOS
type PayOSService struct {
	config *config.PaymentConfig
	logger *logrus.Logger
	client *http.Client
}

type payOSCreateRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	BuyerName   string `json:"buyerName,omitempty"`
	BuyerEmail  string `json:"buyerEmail,omitempty"`
	BuyerPhone  string `json:"buyerPhone,omitempty"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpiredAt   int64  `json:"expiredAt,omitempty"`
	Signature   string `json:"signature"`
}

type payOSCreateResponse struct {
	Code string `json:"code"` // "00" on success
	Desc string `json:"desc"`
	Data *struct {
		CheckoutURL   string `json:"checkoutUrl"`
		QRCode        string `json:"qrCode"`
		PaymentLinkID string `json:"paymentLinkId"`
		OrderCode     int64  `json:"orderCode"`
		Status        string `json:"status"`
	} `json:"data"`
}

type payOSWebhook struct {
	Code      string                 `json:"code"`
	Desc      string                 `json:"desc"`
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data"`
	Signature string                 `json:"signature"`
}

// NewPayOSService creates a new PayOS payment service
func NewPayOSService(cfg *config.PaymentConfig, logger *logrus.Logger) *PayOSService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PayOSService{
		config: cfg,
		logger: logger,
		client: &http.Client{Timeout: timeout},
	}
}

// Sign computes the HMAC-SHA256 signature over the fields sorted by name,
// joined as key=value pairs with '&'
func (s *PayOSService) Sign(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+signatureValue(fields[k]))
	}

	mac := hmac.New(sha256.New, []byte(s.config.ChecksumKey))
	mac.Write([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

func signatureValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		if t == "null" || t == "undefined" {
			return ""
		}
		return t
	case json.Number:
		return t.String()
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// CreatePaymentLink opens a checkout session for an order
func (s *PayOSService) CreatePaymentLink(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if s.config.ClientID == "" || s.config.APIKey == "" || s.config.ChecksumKey == "" {
		return nil, fmt.Errorf("payment gateway not configured: missing PayOS credentials")
	}

	amount := int64(math.Round(req.Amount))
	body := payOSCreateRequest{
		OrderCode:   req.OrderCode,
		Amount:      amount,
		Description: req.Description,
		BuyerName:   req.Buyer.Name,
		BuyerEmail:  req.Buyer.Email,
		BuyerPhone:  req.Buyer.Phone,
		CancelURL:   s.config.CancelURL,
		ReturnURL:   s.config.ReturnURL,
	}
	if !req.ExpiresAt.IsZero() {
		body.ExpiredAt = req.ExpiresAt.Unix()
	}
	body.Signature = s.Sign(map[string]interface{}{
		"amount":      amount,
		"cancelUrl":   body.CancelURL,
		"description": body.Description,
		"orderCode":   body.OrderCode,
		"returnUrl":   body.ReturnURL,
	})

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(s.config.BaseURL, "/") + "/v2/payment-requests"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-client-id", s.config.ClientID)
	httpReq.Header.Set("x-api-key", s.config.APIKey)

	s.logger.WithFields(logrus.Fields{
		"order_code": req.OrderCode,
		"amount":     amount,
	}).Info("Creating PayOS payment link")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.logger.WithError(err).Error("Failed to call PayOS endpoint")
		return nil, fmt.Errorf("failed to call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment gateway returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed payOSCreateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Code != "00" || parsed.Data == nil {
		return nil, fmt.Errorf("payment link creation failed: code=%s desc=%s", parsed.Code, parsed.Desc)
	}
	if parsed.Data.CheckoutURL == "" {
		return nil, fmt.Errorf("payment link creation failed: no checkout URL returned")
	}

	s.logger.WithFields(logrus.Fields{
		"order_code":      req.OrderCode,
		"payment_link_id": parsed.Data.PaymentLinkID,
	}).Info("PayOS payment link created")

	return &CheckoutSession{
		CheckoutURL:   parsed.Data.CheckoutURL,
		QRCode:        parsed.Data.QRCode,
		PaymentLinkID: parsed.Data.PaymentLinkID,
	}, nil
}

// VerifyWebhook checks the signature of a PayOS webhook and maps it to a
// gateway-agnostic callback
func (s *PayOSService) VerifyWebhook(body []byte) (*models.GatewayCallback, error) {
	var hook payOSWebhook
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&hook); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if hook.Data == nil {
		return nil, fmt.Errorf("invalid webhook payload: missing data")
	}

	expected := s.Sign(hook.Data)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hook.Signature))) {
		return nil, fmt.Errorf("invalid webhook signature")
	}

	orderCode, err := strconv.ParseInt(signatureValue(hook.Data["orderCode"]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook order code: %w", err)
	}
	amount, _ := strconv.ParseFloat(signatureValue(hook.Data["amount"]), 64)

	outcome := models.PaymentOutcomeFailure
	if hook.Code == "00" && hook.Success && signatureValue(hook.Data["code"]) == "00" {
		outcome = models.PaymentOutcomeSuccess
	}

	return &models.GatewayCallback{
		OrderCode:     orderCode,
		Outcome:       outcome,
		Amount:        amount,
		Reference:     signatureValue(hook.Data["reference"]),
		TransactionAt: signatureValue(hook.Data["transactionDateTime"]),
		Raw:           hook.Data,
	}, nil
}
