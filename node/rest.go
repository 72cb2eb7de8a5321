package node

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/decred/slog"
	macaroon "gopkg.in/macaroon.v2"
)

// Config holds the LND REST connection parameters. The credential is a
// macaroon sent hex-encoded in the Grpc-Metadata-Macaroon header on every
// request.
type Config struct {
	// Host is the REST base, e.g. "https://127.0.0.1:8080".
	Host string
	// MacaroonPath points at the binary macaroon file. MacaroonHex may be
	// set instead to pass the credential directly.
	MacaroonPath string
	MacaroonHex  string
	// TLSCertPath optionally pins lnd's self-signed certificate.
	TLSCertPath   string
	TLSSkipVerify bool
	Timeout       time.Duration
	Log           slog.Logger
}

// RestClient implements Gateway against lnd's REST proxy.
type RestClient struct {
	host   string
	macHex string
	client *http.Client
	log    slog.Logger
}

var _ Gateway = (*RestClient)(nil)

func NewRestClient(cfg Config) (*RestClient, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("node host not configured")
	}
	macHex := cfg.MacaroonHex
	if macHex == "" {
		if cfg.MacaroonPath == "" {
			return nil, fmt.Errorf("no macaroon configured")
		}
		raw, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read macaroon at %s: %w", cfg.MacaroonPath, err)
		}
		macHex = hex.EncodeToString(raw)
	}
	// Round-trip through macaroon.v2 so a corrupt or truncated credential
	// fails at startup instead of as a 401 on the first payment.
	macBytes, err := hex.DecodeString(macHex)
	if err != nil {
		return nil, fmt.Errorf("macaroon is not valid hex: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("invalid macaroon: %w", err)
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}
	if cfg.TLSCertPath != "" {
		pem, err := os.ReadFile(cfg.TLSCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read tls cert at %s: %w", cfg.TLSCertPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLSCertPath)
		}
		tlsCfg.RootCAs = pool
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &RestClient{
		host:   cfg.Host,
		macHex: macHex,
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
		log: log,
	}, nil
}

// satString tolerates lnd's REST habit of serializing int64 fields as JSON
// strings.
type satString int64

func (s *satString) UnmarshalJSON(data []byte) error {
	if len(data) > 1 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			*s = 0
			return nil
		}
		v, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return err
		}
		*s = satString(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = satString(v)
	return nil
}

type getInfoResponse struct {
	Alias          string `json:"alias"`
	IdentityPubkey string `json:"identity_pubkey"`
	SyncedToChain  bool   `json:"synced_to_chain"`
}

type channelBalanceResponse struct {
	Balance            satString `json:"balance"`
	PendingOpenBalance satString `json:"pending_open_balance"`
}

type payReqResponse struct {
	Destination string    `json:"destination"`
	PaymentHash string    `json:"payment_hash"`
	NumSatoshis satString `json:"num_satoshis"`
	Expiry      satString `json:"expiry"`
	Description string    `json:"description"`
}

type sendPaymentRequest struct {
	PaymentRequest string `json:"payment_request"`
	Amt            int64  `json:"amt,string,omitempty"`
}

type sendPaymentResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"` // base64 bytes
	PaymentHash     string `json:"payment_hash"`     // base64 bytes
}

type restError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *RestClient) ChannelBalance(ctx context.Context) (*ChannelBalance, error) {
	var resp channelBalanceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/balance/channels", nil, &resp); err != nil {
		return nil, &NodeError{Op: "channel balance", Err: err}
	}
	return &ChannelBalance{
		AvailableSats: int64(resp.Balance),
		PendingSats:   int64(resp.PendingOpenBalance),
	}, nil
}

func (c *RestClient) DecodeInvoice(ctx context.Context, bolt11 string) (*Invoice, error) {
	var resp payReqResponse
	path := "/v1/payreq/" + url.PathEscape(bolt11)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, &NodeError{Op: "decode invoice", Err: err}
	}
	return &Invoice{
		Destination: resp.Destination,
		PaymentHash: resp.PaymentHash,
		AmountSats:  int64(resp.NumSatoshis),
		Expiry:      int64(resp.Expiry),
		Description: resp.Description,
	}, nil
}

func (c *RestClient) PayInvoice(ctx context.Context, bolt11 string, expectedAmountSats int64) (*PaymentResult, error) {
	inv, err := c.DecodeInvoice(ctx, bolt11)
	if err != nil {
		return nil, err
	}
	if expectedAmountSats > 0 && inv.AmountSats != 0 && inv.AmountSats != expectedAmountSats {
		return nil, fmt.Errorf("%w: invoice %d sats, expected %d sats",
			ErrAmountMismatch, inv.AmountSats, expectedAmountSats)
	}

	// Balance may have drifted since the withdrawal was created; re-check
	// right before moving money.
	amount := expectedAmountSats
	if amount <= 0 {
		amount = inv.AmountSats
	}
	bal, err := c.ChannelBalance(ctx)
	if err != nil {
		return nil, err
	}
	if bal.AvailableSats < amount {
		return nil, fmt.Errorf("%w: have %d sats, need %d sats",
			ErrInsufficientLiquidity, bal.AvailableSats, amount)
	}

	// Zero-amount invoices carry no amount of their own; lnd refuses to
	// pay them unless amt is set explicitly.
	payReq := sendPaymentRequest{PaymentRequest: bolt11}
	if inv.AmountSats == 0 {
		payReq.Amt = amount
	}

	c.log.Infof("Paying invoice hash=%s amount=%d sats", inv.PaymentHash, amount)
	var resp sendPaymentResponse
	err = c.do(ctx, http.MethodPost, "/v1/channels/transactions", payReq, &resp)
	if err != nil {
		return nil, &NodeError{Op: "pay invoice", Err: err}
	}
	if resp.PaymentError != "" {
		c.log.Warnf("Payment rejected by node: %s", resp.PaymentError)
		return &PaymentResult{Success: false, Error: resp.PaymentError}, nil
	}
	return &PaymentResult{
		Success:     true,
		PaymentHash: base64ToHex(resp.PaymentHash, inv.PaymentHash),
		Preimage:    base64ToHex(resp.PaymentPreimage, ""),
	}, nil
}

func (c *RestClient) VerifyConnection(ctx context.Context) (*Status, error) {
	var resp getInfoResponse
	if err := c.do(ctx, http.MethodGet, "/v1/getinfo", nil, &resp); err != nil {
		return &Status{Connected: false, Error: err.Error()}, nil
	}
	if !resp.SyncedToChain {
		return &Status{
			Connected: true,
			Alias:     resp.Alias,
			Pubkey:    resp.IdentityPubkey,
			Error:     "node is not synced to chain",
		}, nil
	}
	return &Status{Connected: true, Alias: resp.Alias, Pubkey: resp.IdentityPubkey}, nil
}

func (c *RestClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Grpc-Metadata-Macaroon", c.macHex)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var restErr restError
		if json.Unmarshal(data, &restErr) == nil {
			if restErr.Error != "" {
				return fmt.Errorf("node returned %d: %s", resp.StatusCode, restErr.Error)
			}
			if restErr.Message != "" {
				return fmt.Errorf("node returned %d: %s", resp.StatusCode, restErr.Message)
			}
		}
		return fmt.Errorf("node returned %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}

// base64ToHex converts lnd's base64 byte fields to hex, falling back to the
// provided value when the field is absent or unparseable.
func base64ToHex(b64, fallback string) string {
	if b64 == "" {
		return fallback
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fallback
	}
	return hex.EncodeToString(raw)
}
