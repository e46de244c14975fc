package exchange

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

	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/pkg/logging"
)

// Client talks to a single exchange.
type Client struct {
	baseURL    string
	masterPub  string
	httpClient *http.Client
	log        *logging.Logger

	keys *keyCache
}

// NewClient creates a client for the exchange at baseURL. masterPub is
// the exchange's master public key the merchant trusts; key sets not
// signed by it are rejected.
func NewClient(baseURL, masterPub string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Client{
		baseURL:   baseURL,
		masterPub: masterPub,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:  logging.Component("exchange").With("url", baseURL),
		keys: newKeyCache(),
	}
}

// BaseURL returns the exchange base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Deposit submits one coin's deposit permission. A nil error means the
// exchange accepted the coin and signed the confirmation. Failures are
// classified: *DepositConflictError for double spending,
// ErrDenomUnknown for unknown or expired denominations,
// ErrExchangeUnavailable for transport and 5xx failures.
func (c *Client) Deposit(ctx context.Context, req *DepositRequest) (*DepositResult, error) {
	path := "/coins/" + url.PathEscape(req.CoinPub) + "/deposit"

	resp, body, err := c.post(ctx, path, req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var result DepositResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("%w: bad deposit answer: %v", ErrExchangeProtocol, err)
		}
		if result.ExchangePub == "" || result.ExchangeSig == "" {
			return nil, fmt.Errorf("%w: deposit answer missing signature", ErrExchangeProtocol)
		}
		result.Proof = json.RawMessage(body)
		return &result, nil

	case http.StatusConflict:
		var hist CoinHistory
		if err := json.Unmarshal(body, &hist); err != nil {
			return nil, fmt.Errorf("%w: bad conflict answer: %v", ErrExchangeProtocol, err)
		}
		return nil, &DepositConflictError{CoinPub: req.CoinPub, History: hist.History}

	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: denomination %s", ErrDenomUnknown, req.DenomPubHash)

	default:
		return nil, c.classify(resp.StatusCode, body)
	}
}

// TrackDeposit asks which wire transfer settled a deposit.
// ErrDepositPending is returned while the exchange has not wired it.
func (c *Client) TrackDeposit(ctx context.Context, hWire, hContract, coinPub, merchantPub, merchantSig string) (*TrackDepositResult, error) {
	path := fmt.Sprintf("/deposits/%s/%s/%s?merchant_pub=%s&merchant_sig=%s",
		url.PathEscape(hWire), url.PathEscape(hContract), url.PathEscape(coinPub),
		url.QueryEscape(merchantPub), url.QueryEscape(merchantSig))

	resp, body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var result TrackDepositResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("%w: bad track answer: %v", ErrExchangeProtocol, err)
		}
		if result.WTID == "" {
			return nil, fmt.Errorf("%w: track answer missing wtid", ErrExchangeProtocol)
		}
		return &result, nil

	case http.StatusAccepted:
		return nil, ErrDepositPending

	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: deposit unknown", ErrExchangeProtocol)

	default:
		return nil, c.classify(resp.StatusCode, body)
	}
}

// TrackTransfer fetches the signed breakdown of an aggregate wire
// transfer. The exchange signature on the answer is verified here;
// higher-level consistency checks belong to the reconciler.
func (c *Client) TrackTransfer(ctx context.Context, wtid string) (*TransferDetail, error) {
	resp, body, err := c.get(ctx, "/transfers/"+url.PathEscape(wtid))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var detail TransferDetail
		if err := json.Unmarshal(body, &detail); err != nil {
			return nil, fmt.Errorf("%w: bad transfer answer: %v", ErrExchangeProtocol, err)
		}
		if err := verifyTransferSig(&detail); err != nil {
			return nil, err
		}
		detail.Raw = json.RawMessage(body)
		return &detail, nil

	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: transfer %s unknown", ErrExchangeProtocol, wtid)

	default:
		return nil, c.classify(resp.StatusCode, body)
	}
}

// ReserveStatus fetches a reserve's balance and event history.
func (c *Client) ReserveStatus(ctx context.Context, reservePub string) (*ReserveStatus, error) {
	resp, body, err := c.get(ctx, "/reserves/"+url.PathEscape(reservePub))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var status ReserveStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return nil, fmt.Errorf("%w: bad reserve answer: %v", ErrExchangeProtocol, err)
		}
		return &status, nil

	case http.StatusNotFound:
		return nil, ErrReserveUnknown

	default:
		return nil, c.classify(resp.StatusCode, body)
	}
}

// TipWithdraw withdraws one planchet from a reserve. The request
// carries the reserve signature authorizing the withdrawal.
func (c *Client) TipWithdraw(ctx context.Context, req *TipWithdrawRequest) (*TipWithdrawResult, error) {
	path := "/reserves/" + url.PathEscape(req.ReservePub) + "/withdraw"

	resp, body, err := c.post(ctx, path, req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var result TipWithdrawResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("%w: bad withdraw answer: %v", ErrExchangeProtocol, err)
		}
		if result.EvSig == "" {
			return nil, fmt.Errorf("%w: withdraw answer missing signature", ErrExchangeProtocol)
		}
		return &result, nil

	case http.StatusConflict:
		return nil, fmt.Errorf("%w: reserve balance", ErrInsufficientFunds)

	case http.StatusNotFound:
		return nil, ErrReserveUnknown

	default:
		return nil, c.classify(resp.StatusCode, body)
	}
}

// verifyTransferSig checks the exchange signature over the transfer
// detail fields.
func verifyTransferSig(d *TransferDetail) error {
	payload := crypto.BuildPayload(
		[]byte(d.Total.String()),
		[]byte(d.WireFee.String()),
		[]byte(d.MerchantPub),
		[]byte(d.HWire),
	)
	if err := crypto.VerifyHex(d.ExchangePub, crypto.PurposeTransfer, payload, d.ExchangeSig); err != nil {
		return fmt.Errorf("%w: transfer signature: %v", ErrExchangeProtocol, err)
	}
	return nil
}

// get performs a GET and returns the response and body. Transport
// errors and 5xx answers are mapped to ErrExchangeUnavailable.
func (c *Client) get(ctx context.Context, path string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.do(req)
}

// post performs a POST with a JSON body.
func (c *Client) post(ctx context.Context, path string, body interface{}) (*http.Response, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// do sends the request, retrying a transport failure once after a
// short pause. Protocol-level answers are never retried here.
func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		select {
		case <-req.Context().Done():
			return nil, nil, fmt.Errorf("%w: %v", ErrExchangeUnavailable, err)
		case <-time.After(250 * time.Millisecond):
		}
		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrExchangeUnavailable, err)
			}
			retry.Body = body
		}
		resp, err = c.httpClient.Do(retry)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrExchangeUnavailable, err)
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading body: %v", ErrExchangeUnavailable, err)
	}
	return resp, body, nil
}

// classify maps an unexpected status code to the retryable or fatal
// error class.
func (c *Client) classify(status int, body []byte) error {
	if status >= 500 {
		c.log.Warn("exchange server error", "status", status)
		return fmt.Errorf("%w: status %d", ErrExchangeUnavailable, status)
	}
	return fmt.Errorf("%w: status %d: %s", ErrExchangeProtocol, status, truncate(body, 256))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
