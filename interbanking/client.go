package interbanking

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"github.com/saturnpay/saturn/envelope"
	"github.com/saturnpay/saturn/protocol"
)

// RequestTimeout bounds one settlement round trip. On expiry the
// caller treats the transfer as failed and runs its compensating
// reversal; timeout is never interpreted as success.
const RequestTimeout = 5 * time.Second

const maxResponseSize = 1 << 20

// Client performs settlement calls on behalf of one party. The trust
// root, when non-nil, pins the keys acceptable in responses.
type Client struct {
	httpClient *http.Client
	signer     envelope.Signer
	trust      *envelope.TrustRoot
	logger     *slog.Logger
}

func NewClient(logger *slog.Logger, signer envelope.Signer, trust *envelope.TrustRoot) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: RequestTimeout},
		signer:     signer,
		trust:      trust,
		logger:     logger.With(slog.String("component", "interbanking-client")),
	}
}

// Perform signs and posts one settlement request and returns the
// verified response.
func (c *Client) Perform(ctx context.Context, url string, req Request) (*Response, error) {
	if !req.Operation.Valid() {
		return nil, fmt.Errorf("unknown interbanking operation %q", req.Operation)
	}
	if err := protocol.CheckAmount(req.Amount, req.Currency); err != nil {
		return nil, err
	}

	req.Head = newHead(QualifierRequest)
	req.RecipientURL = url
	req.Timestamp = protocol.Now()

	signed, err := envelope.Sign(req, c.signer)
	if err != nil {
		return nil, fmt.Errorf("signing interbanking request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(signed))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Info("interbanking call",
		slog.String("operation", string(req.Operation)),
		slog.String("url", url),
		slog.String("amount", protocol.FormatAmount(req.Amount, req.Currency)),
		slog.Bool("testMode", req.TestMode),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("interbanking call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading interbanking response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("interbanking call to %s: status %d: %s",
			url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return nil, fmt.Errorf("%w: %q", ErrWrongContentType, ct)
	}

	var out Response
	signedBy, err := envelope.Verify(body, ContextURI, QualifierResponse, &out)
	if err != nil {
		return nil, fmt.Errorf("verifying interbanking response: %w", err)
	}
	if c.trust != nil && !c.trust.Contains(signedBy) {
		return nil, fmt.Errorf("interbanking response: %w", ErrUntrustedCaller)
	}
	return &out, nil
}
