// internal/mailrelay/client.go
package mailrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/network"
	"github.com/xkilldash9x/provisioner/internal/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNoConfirmationEmail is returned once every confirmation attempt has failed.
	ErrNoConfirmationEmail = errors.New("no confirmation email")
	// ErrNoOTP is returned when a relay response carries no six digit code.
	ErrNoOTP = errors.New("no OTP code in mail")
	// ErrStatus marks a non-2xx relay response.
	ErrStatus = errors.New("mail relay returned an error status")
	// ErrUnexpectedShape marks a body that is not a JSON object.
	ErrUnexpectedShape = errors.New("mail relay response is not a JSON object")
	// ErrEmptyHTML marks a JSON object without a usable html field.
	ErrEmptyHTML = errors.New("email html is empty")
)

// MaxReasonLen bounds how much of a body or error is quoted in a message.
const MaxReasonLen = 100

// Email is the confirmation mail as handed back by the relay.
type Email struct {
	RawBody string
	HTML    string
}

// OTP is the result of a single OTP lookup.
type OTP struct {
	Code     string  `json:"otpCode"`
	FullText string  `json:"fullText"`
	Payload  Payload `json:"-"`
}

// Client talks to the mail-relay webhook.
type Client struct {
	httpClient *http.Client
	url        string
	policy     retry.Policy
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithPolicy replaces the retry policy used by FetchConfirmation.
func WithPolicy(p retry.Policy) Option {
	return func(cl *Client) { cl.policy = p }
}

// NewClient builds a client from configuration.
func NewClient(cfg config.MailRelayConfig, logger *zap.Logger, opts ...Option) *Client {
	logger = logger.Named("mailrelay")
	httpCfg := network.NewDefaultClientConfig()
	if cfg.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.RequestTimeout
	}
	httpCfg.Logger = logger
	c := &Client{
		httpClient: network.NewClient(httpCfg),
		url:        cfg.URL(),
		policy:     retry.Jittered(cfg.MaxAttempts, cfg.MinDelay, cfg.MaxDelay),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attempts is the confirmation retry budget.
func (c *Client) Attempts() int { return c.policy.MaxAttempts }

// FetchConfirmation polls the relay until it returns a JSON object with a
// non-empty html field. notify, if set, sees every failed attempt that will be retried.
func (c *Client) FetchConfirmation(ctx context.Context, email string, notify retry.Notify) (*Email, error) {
	mail, err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) (*Email, error) {
		c.logger.Debug("Requesting confirmation email.", zap.String("email", email), zap.Int("attempt", attempt))
		raw, err := c.post(ctx, email)
		if err != nil {
			return nil, err
		}
		p, err := Classify(raw)
		if err != nil {
			return nil, err
		}
		obj, ok := p.(JSONPayload)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedShape, Truncate(string(raw)))
		}
		html := obj.Field("html")
		if strings.TrimSpace(html) == "" {
			return nil, ErrEmptyHTML
		}
		return &Email{RawBody: string(raw), HTML: html}, nil
	}, notify)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrNoConfirmationEmail, err)
	}
	c.logger.Info("Confirmation email received.", zap.String("email", email))
	return mail, nil
}

// FetchOTP makes one relay call and extracts a one-time code from whatever comes back.
// When no code is found it returns ErrNoOTP together with an OTP that still carries the mail text.
func (c *Client) FetchOTP(ctx context.Context, email string) (*OTP, error) {
	raw, err := c.post(ctx, email)
	if err != nil {
		return nil, err
	}
	p, err := Classify(raw)
	if err != nil {
		return nil, err
	}
	text := p.Text()
	code, ok := ExtractOTP(text)
	if !ok {
		return &OTP{FullText: text, Payload: p}, fmt.Errorf("%w: %s", ErrNoOTP, Truncate(text))
	}
	return &OTP{Code: code, FullText: text, Payload: p}, nil
}

type mailRequest struct {
	Email string `json:"email"`
}

func (c *Client) post(ctx context.Context, email string) ([]byte, error) {
	body, err := json.Marshal(mailRequest{Email: email})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to encode relay request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create relay request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mail relay request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read relay response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, Truncate(string(raw)))
	}
	return raw, nil
}

// Truncate trims s and cuts it to at most MaxReasonLen bytes on a rune boundary.
func Truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= MaxReasonLen {
		return s
	}
	n := MaxReasonLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
