package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/lnleague/lnleague/auth"
	"github.com/lnleague/lnleague/ledger"
	"github.com/lnleague/lnleague/node"
	"github.com/lnleague/lnleague/storage"
	"github.com/lnleague/lnleague/withdraw"
)

// qrDataURI renders an LNURL as an inline PNG. Uppercased first so the
// QR encoder can use the smaller alphanumeric mode.
func qrDataURI(lnurlStr string) string {
	png, err := qrcode.Encode(strings.ToUpper(lnurlStr), qrcode.Medium, 256)
	if err != nil {
		return ""
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// handleCreateChallenge mints a fresh login challenge for the frontend to
// display. The wallet never calls this.
func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := s.auth.CreateChallenge(r.Context())
	if err != nil {
		s.log.Errorf("create challenge: %v", err)
		writeError(w, http.StatusInternalServerError, "could not create challenge")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		K1        string    `json:"k1"`
		LNURL     string    `json:"lnurl"`
		QRCode    string    `json:"qrCode"`
		ExpiresAt time.Time `json:"expires_at"`
	}{
		K1:        ch.K1,
		LNURL:     ch.LNURL,
		QRCode:    qrDataURI(ch.LNURL),
		ExpiresAt: ch.ExpiresAt,
	})
}

// handleAuthCallback is the wallet-facing LNURL-auth endpoint. All failures
// go out as status ERROR bodies with HTTP 200.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := s.auth.HandleCallback(r.Context(), q.Get("tag"), q.Get("k1"),
		q.Get("sig"), q.Get("key"))
	if err != nil {
		s.log.Debugf("auth callback rejected: %v", err)
		writeProtoErr(w, protoReason(err))
		return
	}
	writeProtoOK(w)
}

// handleAuthStatus reports a challenge's state to the polling frontend. The
// first poll that observes a verified challenge resolves it to an account and
// issues a session; the session and flags are cached so repeat polls return
// the same token.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	k1 := mux.Vars(r)["k1"]

	s.loginMu.Lock()
	if lr, ok := s.loginResults[k1]; ok {
		s.loginMu.Unlock()
		s.writeVerified(w, r, lr)
		return
	}
	s.loginMu.Unlock()

	res, err := s.auth.PollStatus(r.Context(), k1)
	if err != nil {
		s.log.Errorf("poll challenge %s: %v", k1, err)
		writeError(w, http.StatusInternalServerError, "could not poll challenge")
		return
	}
	if res.State != auth.StateVerified {
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
		}{Status: string(res.State)})
		return
	}

	u, isNew, bonus, err := s.resolver.ResolveLogin(r.Context(), res.Key)
	if err != nil {
		s.log.Errorf("resolve login for key %s: %v", res.Key, err)
		writeError(w, http.StatusInternalServerError, "could not resolve login")
		return
	}
	sess := s.sessions.issue(u.ID)
	lr := &loginResult{
		Token:        sess.Token,
		UserID:       u.ID,
		IsNew:        isNew,
		BonusAwarded: bonus,
		staleAt:      time.Now().Add(challengeRetention),
	}

	s.loginMu.Lock()
	// A concurrent poll may have won the race; keep the first result so
	// both pollers hold the same token.
	if prior, ok := s.loginResults[k1]; ok {
		lr = prior
	} else {
		s.loginResults[k1] = lr
	}
	s.loginMu.Unlock()

	s.writeVerified(w, r, lr)
}

func (s *Server) writeVerified(w http.ResponseWriter, r *http.Request, lr *loginResult) {
	u, err := s.resolver.User(r.Context(), lr.UserID)
	if err != nil {
		s.log.Errorf("fetch verified user %s: %v", lr.UserID, err)
		writeError(w, http.StatusInternalServerError, "could not fetch user")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status       string       `json:"status"`
		Token        string       `json:"token"`
		User         userResponse `json:"user"`
		IsNew        bool         `json:"isNew"`
		BonusAwarded bool         `json:"bonusAwarded"`
	}{
		Status:       string(auth.StateVerified),
		Token:        lr.Token,
		User:         userView(u),
		IsNew:        lr.IsNew,
		BonusAwarded: lr.BonusAwarded,
	})
}

// handleLink attaches a wallet key to the authenticated account. The caller
// proves ownership of the key by having the wallet sign a challenge first;
// the body names that verified challenge.
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.sessionUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		K1 string `json:"k1"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.auth.PollStatus(r.Context(), req.K1)
	if err != nil {
		s.log.Errorf("poll challenge %s: %v", req.K1, err)
		writeError(w, http.StatusInternalServerError, "could not poll challenge")
		return
	}
	if res.State != auth.StateVerified {
		writeError(w, http.StatusBadRequest, "challenge is not verified")
		return
	}

	bonus, err := s.resolver.LinkKey(r.Context(), userID, res.Key)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrAlreadyLinkedSelf):
		// Not a failure, but the caller should hear it was a no-op.
		writeJSON(w, http.StatusOK, linkResponse{
			Linked:  true,
			Key:     res.Key,
			Message: "key already linked to this account",
		})
		return
	case errors.Is(err, auth.ErrAlreadyLinked):
		writeError(w, http.StatusConflict, "key is linked to another account")
		return
	case errors.Is(err, storage.ErrUserHasPubkey):
		writeError(w, http.StatusConflict, "account already has a linked key")
		return
	default:
		s.log.Errorf("link key for user %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "could not link key")
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{Linked: true, Key: res.Key, BonusAwarded: bonus})
}

type linkResponse struct {
	Linked       bool   `json:"linked"`
	Key          string `json:"key"`
	BonusAwarded bool   `json:"bonusAwarded"`
	Message      string `json:"message,omitempty"`
}

// handleSession returns the account behind a bearer token.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.sessionUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	u, err := s.resolver.User(r.Context(), userID)
	if err != nil {
		s.log.Errorf("fetch session user %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "could not fetch user")
		return
	}
	writeJSON(w, http.StatusOK, userView(u))
}

type userResponse struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Pubkey      string    `json:"pubkey,omitempty"`
	BalanceSats int64     `json:"balance_sats"`
	CreatedAt   time.Time `json:"created_at"`
}

func userView(u *storage.User) userResponse {
	return userResponse{
		UserID:      u.ID,
		Name:        u.Name,
		Pubkey:      u.LightningPubkey,
		BalanceSats: u.BalanceSats,
		CreatedAt:   u.CreatedAt,
	}
}

// handleInitiateWithdraw lets a logged-in user start a payout of their own
// balance. The balance is debited immediately; a zero amount means all of it.
func (s *Server) handleInitiateWithdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.sessionUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		AmountSats int64 `json:"amount_sats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wd, lnurlStr, err := s.withdraw.Initiate(r.Context(), userID, req.AmountSats)
	switch {
	case err == nil:
	case errors.Is(err, withdraw.ErrBelowMinimum):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "insufficient balance")
		return
	case errors.Is(err, withdraw.ErrNodeNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "payouts are unavailable")
		return
	default:
		s.log.Errorf("initiate withdrawal for user %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "could not create withdrawal")
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(wd, lnurlStr))
}

type withdrawalResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	AmountSats  int64     `json:"amount_sats"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	LNURL       string    `json:"lnurl,omitempty"`
	QRCode      string    `json:"qrCode,omitempty"`
	PaymentHash string    `json:"payment_hash,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func withdrawalView(wd *storage.Withdrawal, lnurlStr string) withdrawalResponse {
	resp := withdrawalResponse{
		ID:          wd.ID,
		UserID:      wd.OwnerID,
		AmountSats:  wd.AmountSats,
		Description: wd.Description,
		Status:      string(wd.Status),
		LNURL:       lnurlStr,
		PaymentHash: wd.PaymentHash,
		Reason:      wd.FailureReason,
		CreatedAt:   wd.CreatedAt,
		ExpiresAt:   wd.ExpiresAt,
	}
	if lnurlStr != "" {
		resp.QRCode = qrDataURI(lnurlStr)
	}
	return resp
}

// handleWithdrawRequest is the first wallet-facing leg of LNURL-withdraw.
func (s *Server) handleWithdrawRequest(w http.ResponseWriter, r *http.Request) {
	params, err := s.withdraw.HandleWithdrawRequest(r.Context(), r.URL.Query().Get("k1"))
	if err != nil {
		s.log.Debugf("withdraw request rejected: %v", err)
		writeProtoErr(w, protoReason(err))
		return
	}
	writeJSON(w, http.StatusOK, params)
}

// handleWithdrawCallback is the second wallet-facing leg: the wallet submits
// its invoice and the engine attempts the payment synchronously.
func (s *Server) handleWithdrawCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := s.withdraw.HandleWithdrawCallback(r.Context(), q.Get("k1"), q.Get("pr"))
	if err != nil {
		s.log.Debugf("withdraw callback rejected: %v", err)
		writeProtoErr(w, protoReason(err))
		return
	}
	writeProtoOK(w)
}

// protoReason maps an engine error to a wallet-readable reason string while
// keeping internal details out of the wire.
func protoReason(err error) string {
	var se *withdraw.StatusError
	switch {
	case errors.As(err, &se):
		return se.Error()
	case errors.Is(err, storage.ErrChallengeNotFound),
		errors.Is(err, storage.ErrWithdrawalNotFound):
		return "unknown k1"
	case errors.Is(err, storage.ErrChallengeExpired),
		errors.Is(err, storage.ErrWithdrawalExpired):
		return "request expired"
	case errors.Is(err, storage.ErrChallengeUsed):
		return "challenge already used"
	case errors.Is(err, auth.ErrBadTag), errors.Is(err, auth.ErrBadK1),
		errors.Is(err, auth.ErrBadKey), errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, auth.ErrSignatureInvalid),
		errors.Is(err, withdraw.ErrBadInvoice),
		errors.Is(err, withdraw.ErrAmountMismatch),
		errors.Is(err, withdraw.ErrPaymentFailed),
		errors.Is(err, withdraw.ErrPaymentTransient):
		return err.Error()
	default:
		return "internal error"
	}
}

// handleAdminCreateWithdrawal creates an undebited payout voucher for a user.
// The caller funds it out of band; the engine only pays it out.
func (s *Server) handleAdminCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		AmountSats  int64  `json:"amount_sats"`
		Description string `json:"description"`
		TTLSeconds  int64  `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	wd, lnurlStr, err := s.withdraw.Create(r.Context(), req.UserID, req.AmountSats,
		req.Description, ttl)
	if err != nil {
		s.log.Errorf("admin create withdrawal: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(wd, lnurlStr))
}

func (s *Server) handleAdminGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.withdraw.Withdrawal(r.Context(), mux.Vars(r)["id"])
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrWithdrawalNotFound):
		writeError(w, http.StatusNotFound, "withdrawal not found")
		return
	default:
		s.log.Errorf("admin fetch withdrawal: %v", err)
		writeError(w, http.StatusInternalServerError, "could not fetch withdrawal")
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(wd, ""))
}

func (s *Server) handleAdminCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.withdraw.Cancel(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrWithdrawalNotFound):
		writeError(w, http.StatusNotFound, "withdrawal not found")
		return
	case errors.Is(err, storage.ErrWithdrawalNotPending):
		writeError(w, http.StatusConflict, "withdrawal is not pending")
		return
	default:
		s.log.Errorf("admin cancel withdrawal %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "could not cancel withdrawal")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Cancelled bool `json:"cancelled"`
	}{Cancelled: true})
}

// handleAdminCredit adjusts a user's balance out of band, e.g. prize awards.
func (s *Server) handleAdminCredit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"user_id"`
		AmountSats int64  `json:"amount_sats"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	balance, err := s.ledger.Credit(r.Context(), req.UserID, req.AmountSats, req.Reason)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.log.Errorf("admin credit user %s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "could not credit user")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		UserID      string `json:"user_id"`
		BalanceSats int64  `json:"balance_sats"`
	}{UserID: req.UserID, BalanceSats: balance})
}

// handleAdminStats reports ledger totals and node connectivity.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.log.Errorf("ledger stats: %v", err)
		writeError(w, http.StatusInternalServerError, "could not compute stats")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Ledger *storage.LedgerStats `json:"ledger"`
		Node   *nodeStatusView      `json:"node"`
	}{Ledger: stats, Node: statusView(s.nodeStatus(r.Context()))})
}

type nodeStatusView struct {
	Connected bool   `json:"connected"`
	Alias     string `json:"alias,omitempty"`
	Pubkey    string `json:"pubkey,omitempty"`
	Error     string `json:"error,omitempty"`
}

func statusView(st *node.Status) *nodeStatusView {
	if st == nil {
		return &nodeStatusView{Connected: false, Error: "node not configured"}
	}
	return &nodeStatusView{
		Connected: st.Connected,
		Alias:     st.Alias,
		Pubkey:    st.Pubkey,
		Error:     st.Error,
	}
}
