package node

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	macaroon "gopkg.in/macaroon.v2"
)

func testMacaroonHex(t *testing.T) string {
	t.Helper()
	mac, err := macaroon.New([]byte("rootkey"), []byte("0"), "lnd", macaroon.V2)
	if err != nil {
		t.Fatalf("new macaroon: %v", err)
	}
	bin, err := mac.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal macaroon: %v", err)
	}
	return hex.EncodeToString(bin)
}

func newTestClient(t *testing.T, handler http.Handler) (*RestClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewRestClient(Config{Host: srv.URL, MacaroonHex: testMacaroonHex(t)})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func TestNewRestClientValidation(t *testing.T) {
	if _, err := NewRestClient(Config{MacaroonHex: testMacaroonHex(t)}); err == nil {
		t.Fatal("expected error for missing host")
	}
	if _, err := NewRestClient(Config{Host: "https://x"}); err == nil {
		t.Fatal("expected error for missing macaroon")
	}
	if _, err := NewRestClient(Config{Host: "https://x", MacaroonHex: "zz"}); err == nil {
		t.Fatal("expected error for non-hex macaroon")
	}
	if _, err := NewRestClient(Config{Host: "https://x", MacaroonHex: "deadbeef"}); err == nil {
		t.Fatal("expected error for hex that is not a macaroon")
	}
}

func TestMacaroonHeaderSent(t *testing.T) {
	macHex := testMacaroonHex(t)
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Grpc-Metadata-Macaroon")
		w.Write([]byte(`{"alias":"carol","identity_pubkey":"02aa","synced_to_chain":true}`))
	}))
	defer srv.Close()

	c, err := NewRestClient(Config{Host: srv.URL, MacaroonHex: macHex})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	st, err := c.VerifyConnection(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if gotHeader != macHex {
		t.Fatalf("macaroon header = %q", gotHeader)
	}
	if !st.Connected || st.Alias != "carol" || st.Pubkey != "02aa" || st.Error != "" {
		t.Fatalf("status: %+v", st)
	}
}

func TestVerifyConnectionDegraded(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"alias":"carol","identity_pubkey":"02aa","synced_to_chain":false}`))
	}))
	st, err := c.VerifyConnection(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !st.Connected || st.Error == "" {
		t.Fatalf("unsynced node status: %+v", st)
	}

	down, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"wallet locked"}`, http.StatusInternalServerError)
	}))
	st, err = down.VerifyConnection(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if st.Connected || st.Error == "" {
		t.Fatalf("failed probe status: %+v", st)
	}
}

func TestChannelBalanceStringInts(t *testing.T) {
	// lnd serializes int64 as strings in REST; numeric form must work too.
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/balance/channels" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"balance":"5000","pending_open_balance":250}`))
	}))
	bal, err := c.ChannelBalance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.AvailableSats != 5000 || bal.PendingSats != 250 {
		t.Fatalf("balance: %+v", bal)
	}
}

func TestDecodeInvoice(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payreq/lnbc250n1xyz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"destination":"02bb","payment_hash":"cafe","num_satoshis":"250","expiry":"3600","description":"payout"}`))
	}))
	inv, err := c.DecodeInvoice(context.Background(), "lnbc250n1xyz")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inv.AmountSats != 250 || inv.PaymentHash != "cafe" || inv.Description != "payout" {
		t.Fatalf("invoice: %+v", inv)
	}
}

// payHandler serves the three endpoints PayInvoice touches.
func payHandler(t *testing.T, invoiceSats, balanceSats int64, payResp string) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payreq/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"destination":"02bb","payment_hash":"cafe","num_satoshis":"` +
			strconv.FormatInt(invoiceSats, 10) + `"}`))
	})
	mux.HandleFunc("/v1/balance/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balance":"` + strconv.FormatInt(balanceSats, 10) + `"}`))
	})
	mux.HandleFunc("/v1/channels/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("payment sent as %s", r.Method)
		}
		w.Write([]byte(payResp))
	})
	return mux
}

func TestPayInvoiceSuccess(t *testing.T) {
	hash := base64.StdEncoding.EncodeToString([]byte{0xca, 0xfe})
	pre := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02})
	c, _ := newTestClient(t, payHandler(t, 250, 10000,
		`{"payment_error":"","payment_preimage":"`+pre+`","payment_hash":"`+hash+`"}`))

	res, err := c.PayInvoice(context.Background(), "lnbc250n1xyz", 250)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if !res.Success || res.PaymentHash != "cafe" || res.Preimage != "0102" {
		t.Fatalf("result: %+v", res)
	}
}

func TestPayInvoiceStructuredFailure(t *testing.T) {
	c, _ := newTestClient(t, payHandler(t, 250, 10000,
		`{"payment_error":"no route to destination"}`))

	res, err := c.PayInvoice(context.Background(), "lnbc250n1xyz", 250)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if res.Success || res.Error != "no route to destination" {
		t.Fatalf("result: %+v", res)
	}
}

func TestPayInvoiceAmountlessSendsAmt(t *testing.T) {
	var body []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payreq/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"destination":"02bb","payment_hash":"cafe","num_satoshis":"0"}`))
	})
	mux.HandleFunc("/v1/balance/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balance":"10000"}`))
	})
	mux.HandleFunc("/v1/channels/transactions", func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"payment_error":""}`))
	})

	c, _ := newTestClient(t, mux)
	res, err := c.PayInvoice(context.Background(), "lnbc1xyz", 250)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if !res.Success {
		t.Fatalf("result: %+v", res)
	}
	var req struct {
		Amt string `json:"amt"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("request body %s: %v", body, err)
	}
	if req.Amt != "250" {
		t.Fatalf("amt = %q, want 250", req.Amt)
	}
}

func TestPayInvoiceAmountedOmitsAmt(t *testing.T) {
	var body []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payreq/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"destination":"02bb","payment_hash":"cafe","num_satoshis":"250"}`))
	})
	mux.HandleFunc("/v1/balance/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balance":"10000"}`))
	})
	mux.HandleFunc("/v1/channels/transactions", func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"payment_error":""}`))
	})

	c, _ := newTestClient(t, mux)
	if _, err := c.PayInvoice(context.Background(), "lnbc250n1xyz", 250); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if bytes.Contains(body, []byte(`"amt"`)) {
		t.Fatalf("amt sent for amounted invoice: %s", body)
	}
}

func TestPayInvoiceAmountMismatch(t *testing.T) {
	c, _ := newTestClient(t, payHandler(t, 300, 10000, `{}`))
	if _, err := c.PayInvoice(context.Background(), "lnbc300n1xyz", 250); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
}

func TestPayInvoiceInsufficientLiquidity(t *testing.T) {
	c, _ := newTestClient(t, payHandler(t, 250, 10, `{}`))
	if _, err := c.PayInvoice(context.Background(), "lnbc250n1xyz", 250); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestSatStringForms(t *testing.T) {
	var s satString
	for _, tc := range []struct {
		in   string
		want int64
	}{
		{`"123"`, 123}, {`456`, 456}, {`""`, 0}, {`0`, 0},
	} {
		if err := s.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if int64(s) != tc.want {
			t.Fatalf("unmarshal %s = %d, want %d", tc.in, s, tc.want)
		}
	}
	if err := s.UnmarshalJSON([]byte(`"abc"`)); err == nil {
		t.Fatal("expected error for non-numeric string")
	}
}
