// Package server exposes the token ledger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/token"
	"github.com/tokengate/tokengate/internal/ttl"
)

const shutdownTimeout = 5 * time.Second

// Server handles HTTP requests for one ledger node.
type Server struct {
	auth     *token.Auth
	standard token.Standard
	ledger   *ledger.Ledger
	capacity int
	router   *mux.Router
	logger   *zap.Logger
}

func NewServer(auth *token.Auth, standard token.Standard, l *ledger.Ledger, capacity int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		auth:     auth,
		standard: standard,
		ledger:   l,
		capacity: capacity,
		router:   mux.NewRouter(),
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	// Balances
	s.router.HandleFunc("/balance/{account}/{id}", s.handleGetBalance).Methods("GET")
	s.router.HandleFunc("/chunks/{account}/{id}", s.handleGetChunks).Methods("GET")

	// Token types
	s.router.HandleFunc("/tokens", s.handleCreateToken).Methods("POST")
	s.router.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	s.router.HandleFunc("/tokens/{id}", s.handleGetToken).Methods("GET")

	// Balance mutations
	s.router.HandleFunc("/mint", s.handleMint).Methods("POST")
	s.router.HandleFunc("/burn", s.handleBurn).Methods("POST")
	s.router.HandleFunc("/transfer", s.handleTransfer).Methods("POST")
	s.router.HandleFunc("/prune", s.handlePrune).Methods("POST")
	s.router.HandleFunc("/purchase", s.handlePurchase).Methods("POST")

	// Administration
	s.router.HandleFunc("/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/unpause", s.handleUnpause).Methods("POST")
	s.router.HandleFunc("/freeze", s.handleFreeze).Methods("POST")
	s.router.HandleFunc("/unfreeze", s.handleUnfreeze).Methods("POST")
	s.router.HandleFunc("/roles/grant", s.handleGrantRole).Methods("POST")
	s.router.HandleFunc("/roles/revoke", s.handleRevokeRole).Methods("POST")
}

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Server: shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("Server: starting", zap.String("addr", srv.Addr), zap.String("standard", s.standard.Name()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	s.logger.Info("Server: stopped")
	return nil
}

// Handler implementations

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"standard": s.standard.Name(),
		"layout":   s.ledger.Layout().Name(),
		"capacity": s.capacity,
		"admin":    s.auth.Roles().Admin().Hex(),
		"treasury": s.auth.Treasury().Hex(),
		"paused":   s.auth.Paused(),
		"frozen":   s.auth.FrozenAccounts(),
		"time":     s.auth.Now(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	account, id, err := accountAndID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.standard.BalanceOf(account, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"account": account.Hex(),
		"id":      id.Dec(),
		"id_hex":  hexutil.EncodeBig(id.ToBig()),
		"balance": balance.Dec(),
	})
}

type chunkView struct {
	Amount    string         `json:"amount"`
	ExpiresAt hexutil.Uint64 `json:"expires_at"`
	Live      bool           `json:"live"`
}

func (s *Server) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	account, id, err := accountAndID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	chunks, err := s.ledger.Chunks(account, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := s.auth.Now()
	views := make([]chunkView, 0, len(chunks))
	for i := range chunks {
		if chunks[i].Amount.IsZero() {
			continue
		}
		views = append(views, chunkView{
			Amount:    chunks[i].Amount.Dec(),
			ExpiresAt: hexutil.Uint64(chunks[i].ExpiresAt),
			Live:      chunks[i].Live(now),
		})
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account": account.Hex(),
		"id":      id.Dec(),
		"slots":   len(chunks),
		"chunks":  views,
	})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	price, err := parseOptionalUint("price", req.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}

	id, err := s.auth.CreateToken(caller, token.TokenConfig{
		TTL:          req.TTL,
		Price:        *price,
		Transferable: req.Transferable,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.URI != "" {
		if err := s.auth.SetTokenURI(caller, id, req.URI); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeReceipt(w, "create_token", map[string]interface{}{"id": id.Dec()})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	ids := s.auth.Tokens()
	tokens := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		view, err := s.tokenView(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		tokens = append(tokens, view)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"tokens": tokens})
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint("id", mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.tokenView(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(view)
}

func (s *Server) tokenView(id *uint256.Int) (map[string]interface{}, error) {
	cfg, err := s.auth.TokenConfig(id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":           id.Dec(),
		"ttl":          cfg.TTL,
		"price":        cfg.Price.Dec(),
		"transferable": cfg.Transferable,
		"uri":          s.auth.URI(id),
	}, nil
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var (
		caller, to common.Address
		id, amount *uint256.Int
	)
	err := collect(
		func() (err error) { caller, err = parseAddress("caller", req.Caller); return },
		func() (err error) { to, err = parseAddress("to", req.To); return },
		func() (err error) { id, err = parseUint("id", req.ID); return },
		func() (err error) { amount, err = parseUint("amount", req.Amount); return },
	)
	if err == nil {
		err = s.standard.Mint(caller, to, id, amount)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeReceipt(w, "mint", map[string]interface{}{"to": to.Hex(), "id": id.Dec(), "amount": amount.Dec()})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req BurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var (
		caller, from common.Address
		id, amount   *uint256.Int
	)
	err := collect(
		func() (err error) { caller, err = parseAddress("caller", req.Caller); return },
		func() (err error) { from, err = parseAddress("from", req.From); return },
		func() (err error) { id, err = parseUint("id", req.ID); return },
		func() (err error) { amount, err = parseUint("amount", req.Amount); return },
	)
	if err == nil {
		err = s.standard.Burn(caller, from, id, amount)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeReceipt(w, "burn", map[string]interface{}{"from": from.Hex(), "id": id.Dec(), "amount": amount.Dec()})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.From == "" {
		req.From = req.Caller
	}
	var (
		caller, from, to common.Address
		id, amount       *uint256.Int
	)
	err := collect(
		func() (err error) { caller, err = parseAddress("caller", req.Caller); return },
		func() (err error) { from, err = parseAddress("from", req.From); return },
		func() (err error) { to, err = parseAddress("to", req.To); return },
		func() (err error) { id, err = parseUint("id", req.ID); return },
		func() (err error) { amount, err = parseUint("amount", req.Amount); return },
	)
	if err == nil {
		err = s.standard.TransferFrom(caller, from, to, id, amount)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeReceipt(w, "transfer", map[string]interface{}{
		"from": from.Hex(), "to": to.Hex(), "id": id.Dec(), "amount": amount.Dec(),
	})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var (
		account common.Address
		id      *uint256.Int
	)
	err := collect(
		func() (err error) { account, err = parseAddress("account", req.Account); return },
		func() (err error) { id, err = parseUint("id", req.ID); return },
	)
	if err == nil {
		err = s.standard.Prune(account, id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeReceipt(w, "prune", map[string]interface{}{"account": account.Hex(), "id": id.Dec()})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Recipient == "" {
		req.Recipient = req.Buyer
	}
	var (
		buyer, recipient common.Address
		id, amount, paid *uint256.Int
	)
	err := collect(
		func() (err error) { buyer, err = parseAddress("buyer", req.Buyer); return },
		func() (err error) { recipient, err = parseAddress("recipient", req.Recipient); return },
		func() (err error) { id, err = parseUint("id", req.ID); return },
		func() (err error) { amount, err = parseUint("amount", req.Amount); return },
		func() (err error) { paid, err = parseOptionalUint("paid", req.Paid); return },
	)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result := map[string]interface{}{"recipient": recipient.Hex(), "id": id.Dec(), "amount": amount.Dec()}
	if req.PaymentToken != "" {
		paymentToken, err := parseAddress("payment_token", req.PaymentToken)
		if err == nil {
			err = s.auth.PurchaseWithERC20(buyer, recipient, paymentToken, id, amount)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		result["payment_token"] = paymentToken.Hex()
	} else {
		change, err := s.auth.Purchase(buyer, recipient, id, amount, paid)
		if err != nil {
			s.writeError(w, err)
			return
		}
		result["change"] = change.Dec()
	}
	s.writeReceipt(w, "purchase", result)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, "pause", s.auth.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.handleCallerOnly(w, r, "unpause", s.auth.Unpause)
}

func (s *Server) handleCallerOnly(w http.ResponseWriter, r *http.Request, op string, fn func(common.Address) error) {
	var req PauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err == nil {
		err = fn(caller)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeReceipt(w, op, map[string]interface{}{"paused": s.auth.Paused()})
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	s.handleAccountOp(w, r, "freeze", s.auth.Freeze)
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	s.handleAccountOp(w, r, "unfreeze", s.auth.Unfreeze)
}

func (s *Server) handleAccountOp(w http.ResponseWriter, r *http.Request, op string, fn func(caller, account common.Address) error) {
	var req FreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var caller, account common.Address
	err := collect(
		func() (err error) { caller, err = parseAddress("caller", req.Caller); return },
		func() (err error) { account, err = parseAddress("account", req.Account); return },
	)
	if err == nil {
		err = fn(caller, account)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeReceipt(w, op, map[string]interface{}{"account": account.Hex(), "frozen": s.auth.IsFrozen(account)})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.handleRoleOp(w, r, "grant_role", s.auth.Roles().GrantRole)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.handleRoleOp(w, r, "revoke_role", s.auth.Roles().RevokeRole)
}

func (s *Server) handleRoleOp(w http.ResponseWriter, r *http.Request, op string, fn func(caller common.Address, role token.Role, account common.Address) error) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var caller, account common.Address
	err := collect(
		func() (err error) { caller, err = parseAddress("caller", req.Caller); return },
		func() (err error) { account, err = parseAddress("account", req.Account); return },
	)
	if err == nil {
		err = fn(caller, token.Role(req.Role), account)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeReceipt(w, op, map[string]interface{}{"role": req.Role, "account": account.Hex()})
}

// writeReceipt tags a successful mutation with a receipt id and logs it.
func (s *Server) writeReceipt(w http.ResponseWriter, op string, fields map[string]interface{}) {
	receipt := uuid.New().String()
	fields["status"] = "success"
	fields["receipt"] = receipt
	s.logger.Info("Server: "+op, zap.String("receipt", receipt), zap.Any("fields", fields))
	json.NewEncoder(w).Encode(fields)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Server: request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	var roleErr *token.RoleError
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, token.ErrZeroAddress),
		errors.Is(err, token.ErrZeroAmount),
		errors.Is(err, token.ErrSelfApproval),
		errors.Is(err, token.ErrUnknownRole),
		errors.Is(err, token.ErrAdminRoleNotGrantable),
		errors.Is(err, ledger.ErrLengthMismatch),
		errors.Is(err, ledger.ErrAlreadyExpired):
		return http.StatusBadRequest
	case errors.As(err, &roleErr),
		errors.Is(err, token.ErrPaused),
		errors.Is(err, token.ErrAccountFrozen),
		errors.Is(err, token.ErrNotAuthorized),
		errors.Is(err, token.ErrNonTransferable):
		return http.StatusForbidden
	case errors.Is(err, token.ErrUnknownToken),
		errors.Is(err, ttl.ErrTTLNotConfigured):
		return http.StatusNotFound
	case errors.As(err, &insufficient),
		errors.Is(err, ledger.ErrCapacityExceeded),
		errors.Is(err, ledger.ErrBalanceOverflow),
		errors.Is(err, ttl.ErrTTLAlreadySet),
		errors.Is(err, token.ErrNotPaused),
		errors.Is(err, token.ErrNotForSale),
		errors.Is(err, token.ErrInsufficientPayment),
		errors.Is(err, token.ErrInsufficientProceeds),
		errors.Is(err, token.ErrNoPaymentCollector),
		errors.Is(err, token.ErrPriceChanged):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func accountAndID(r *http.Request) (common.Address, *uint256.Int, error) {
	vars := mux.Vars(r)
	account, err := parseAddress("account", vars["account"])
	if err != nil {
		return common.Address{}, nil, err
	}
	id, err := parseUint("id", vars["id"])
	if err != nil {
		return common.Address{}, nil, err
	}
	return account, id, nil
}

// collect runs parsers in order and returns the first error.
func collect(parsers ...func() error) error {
	for _, p := range parsers {
		if err := p(); err != nil {
			return err
		}
	}
	return nil
}
