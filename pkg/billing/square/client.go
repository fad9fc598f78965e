package square

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	paymentsEndpoint = "/v2/payments"
	maxResponseBody  = 1 << 20

	paymentStatusCompleted = "COMPLETED"
)

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// payment is the part of a Square Payment object this package reads.
type payment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CustomerID  string `json:"customer_id,omitempty"`
	OrderID     string `json:"order_id,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	AmountMoney money  `json:"amount_money"`
}

type createPaymentRequest struct {
	SourceID       string `json:"source_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountMoney    money  `json:"amount_money"`
	Autocomplete   bool   `json:"autocomplete"`
	LocationID     string `json:"location_id,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	Note           string `json:"note,omitempty"`
}

type apiError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
}

type createPaymentResponse struct {
	Payment *payment   `json:"payment,omitempty"`
	Errors  []apiError `json:"errors,omitempty"`
}

// declinedError is a definitive rejection from Square, such as a declined
// card. Retrying with the same key returns the same answer.
type declinedError struct {
	statusCode int
	errors     []apiError
	payment    *payment
}

func (e *declinedError) Error() string {
	codes := make([]string, 0, len(e.errors))
	for _, apiErr := range e.errors {
		codes = append(codes, apiErr.Code)
	}
	return fmt.Sprintf("square rejected payment (status %d): %s", e.statusCode, strings.Join(codes, ", "))
}

// client calls the Square Payments REST API.
type client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	locationID  string
}

// createPayment posts a payment. Transport failures and 5xx responses are
// returned as plain errors; 4xx responses as *declinedError.
func (c *client) createPayment(ctx context.Context, req createPaymentRequest) (*payment, error) {
	if req.LocationID == "" {
		req.LocationID = c.locationID
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+paymentsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("Square-Version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("square request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read square response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("square returned status %d", resp.StatusCode)
	}

	var parsed createPaymentResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode square response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusBadRequest || len(parsed.Errors) > 0 {
		return nil, &declinedError{statusCode: resp.StatusCode, errors: parsed.Errors, payment: parsed.Payment}
	}
	if parsed.Payment == nil {
		return nil, fmt.Errorf("square response has no payment")
	}
	return parsed.Payment, nil
}
