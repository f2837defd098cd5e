package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// opFinalizeRound tags payout messages ('FINL').
const opFinalizeRound = 0x46494e4c

// HTTPClient talks to a JSON gateway in front of the contract.
type HTTPClient struct {
	baseURL string
	apiKey  string
	signer  Signer
	inner   *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, apiKey string, signer Signer, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		signer:  signer,
		inner:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) LobbyState(ctx context.Context, lobbyID string) (LobbyState, error) {
	var out LobbyState
	if err := c.do(ctx, http.MethodGet, "/lobbies/"+url.PathEscape(lobbyID)+"/state", nil, &out); err != nil {
		return LobbyState{}, err
	}
	if out.LobbyID == "" {
		out.LobbyID = lobbyID
	}
	return out, nil
}

type payoutMessage struct {
	Op           uint32 `json:"op"`
	LobbyID      string `json:"lobbyId"`
	RoundID      string `json:"roundId"`
	RoundHash    string `json:"roundHash"`
	WinnerWallet string `json:"winnerWallet"`
	PayoutNano   string `json:"payoutNano"`
}

type signedPayout struct {
	Message   payoutMessage `json:"message"`
	Signature string        `json:"signature"`
	PublicKey string        `json:"publicKey"`
}

func (c *HTTPClient) SubmitPayout(ctx context.Context, req PayoutRequest) (PayoutReceipt, error) {
	if c.signer == nil {
		return PayoutReceipt{}, fmt.Errorf("%w: no signing key configured", ErrUnavailable)
	}
	msg := payoutMessage{
		Op:           opFinalizeRound,
		LobbyID:      req.LobbyID,
		RoundID:      req.RoundID,
		RoundHash:    req.RoundHash,
		WinnerWallet: req.WinnerWallet,
		PayoutNano:   strconv.FormatInt(req.PayoutNano, 10),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return PayoutReceipt{}, err
	}
	sig, err := c.signer.Sign(raw)
	if err != nil {
		return PayoutReceipt{}, fmt.Errorf("sign payout: %w", err)
	}
	body := signedPayout{Message: msg, Signature: hex.EncodeToString(sig), PublicKey: hex.EncodeToString(c.signer.PublicKey())}

	var out PayoutReceipt
	if err := c.do(ctx, http.MethodPost, "/payouts", body, &out); err != nil {
		return PayoutReceipt{}, err
	}
	if out.TxHash == "" {
		return PayoutReceipt{}, fmt.Errorf("%w: empty tx hash", ErrRejected)
	}
	return out, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.inner.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRejected, err)
	}
	return nil
}
