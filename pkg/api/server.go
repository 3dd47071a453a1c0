package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/nftswap/pkg/app/core/order"
	"github.com/uhyunpark/nftswap/pkg/app/core/orderbook"
	"github.com/uhyunpark/nftswap/pkg/app/core/transaction"
	"github.com/uhyunpark/nftswap/pkg/crypto"
	"github.com/uhyunpark/nftswap/pkg/metrics"
)

const maxBodyBytes = 1 << 20

type Config struct {
	AllowedOrigins []string
	// Devnet enables the deposit and mint faucet endpoints.
	Devnet bool
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg      Config
	book     *orderbook.OrderBook
	verifier *transaction.Verifier
	router   *mux.Router
	hub      *Hub
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(cfg Config, book *orderbook.OrderBook, verifier *transaction.Verifier, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	sugar := log.Sugar().Named("api")
	s := &Server{
		cfg:      cfg,
		book:     book,
		verifier: verifier,
		router:   mux.NewRouter(),
		hub:      NewHub(sugar.Named("ws")),
		log:      sugar,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are enforced by the CORS layer for browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(metrics.InstrumentHandler)

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order endpoints
	api.HandleFunc("/orders", s.handleMakeOrders).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/match", s.handleMatchOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{key}", s.handleGetOrder).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")

	if s.cfg.Devnet {
		api.HandleFunc("/devnet/deposit", s.handleDeposit).Methods("POST")
		api.HandleFunc("/devnet/mint", s.handleMint).Methods("POST")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS layer.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	go s.hub.Pump(ctx, s.book.Feed())

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// Signed handlers
// ==============================

// authenticate parses the signed envelope, checks the signature and
// consumes the nonce. The nonce is spent even if the action later fails.
func (s *Server) authenticate(r *http.Request) (*transaction.SignedTransaction, common.Address, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, common.Address{}, validationErr("read body: %v", err)
	}
	tx, err := transaction.ParseTransaction(body)
	if err != nil {
		return nil, common.Address{}, err
	}
	signer, err := s.verifier.Verify(tx)
	if err != nil {
		return nil, common.Address{}, err
	}
	if err := s.book.UseNonce(r.Context(), signer, tx.Nonce); err != nil {
		return nil, common.Address{}, err
	}
	return tx, signer, nil
}

func (s *Server) handleMakeOrders(w http.ResponseWriter, r *http.Request) {
	tx, signer, err := s.authenticate(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	var payload transaction.MakePayload
	if err := tx.DecodePayload(transaction.TxTypeMake, &payload); err != nil {
		s.respondErr(w, err)
		return
	}
	orders, parseErrs, value, err := payload.Parse()
	if err != nil {
		s.respondErr(w, err)
		return
	}

	results := s.makeOrders(r.Context(), signer, value, orders, parseErrs)
	s.log.Infow("orders_submitted", "maker", signer.Hex(), "count", len(orders), "nonce", tx.Nonce)

	respondJSON(w, newMakeOrdersResponse(results))
}

// makeOrders submits the well-formed entries of a batch and folds the parse
// failures back in at their original indices.
func (s *Server) makeOrders(ctx context.Context, signer common.Address, value *big.Int, orders []order.Order, parseErrs []error) []orderbook.MakeResult {
	if len(orders) > s.book.MaxBatch() {
		return s.book.MakeOrders(ctx, signer, value, orders)
	}
	valid := make([]order.Order, 0, len(orders))
	idx := make([]int, 0, len(orders))
	for i, err := range parseErrs {
		if err == nil {
			valid = append(valid, orders[i])
			idx = append(idx, i)
		}
	}
	results := make([]orderbook.MakeResult, len(orders))
	for j, r := range s.book.MakeOrders(ctx, signer, value, valid) {
		results[idx[j]] = r
	}
	for i, err := range parseErrs {
		if err != nil {
			results[i].Err = err
		}
	}
	return results
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	tx, signer, err := s.authenticate(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	var payload transaction.CancelPayload
	if err := tx.DecodePayload(transaction.TxTypeCancel, &payload); err != nil {
		s.respondErr(w, err)
		return
	}
	key, err := payload.Key()
	if err != nil {
		s.respondErr(w, err)
		return
	}

	if err := s.book.CancelOrder(r.Context(), signer, key); err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, map[string]string{
		"status":   "cancelled",
		"orderKey": key.Hex(),
	})
}

func (s *Server) handleMatchOrder(w http.ResponseWriter, r *http.Request) {
	tx, signer, err := s.authenticate(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	var payload transaction.MatchPayload
	if err := tx.DecodePayload(transaction.TxTypeMatch, &payload); err != nil {
		s.respondErr(w, err)
		return
	}
	buyKey, sellKey, err := payload.Keys()
	if err != nil {
		s.respondErr(w, err)
		return
	}

	settlement, err := s.book.MatchOrder(r.Context(), signer, buyKey, sellKey)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	respondJSON(w, newSettlementInfo(settlement))
}

// ==============================
// Read handlers
// ==============================

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	q, err := parseOrderQuery(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	page, err := s.book.GetOrders(r.Context(), q)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	resp := OrderPage{
		Orders:       make([]OrderInfo, len(page.Orders)),
		NextOrderKey: page.NextOrderKey.Hex(),
	}
	for i := range page.Orders {
		resp.Orders[i] = s.orderInfo(&page.Orders[i])
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	key, err := transaction.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	rec, err := s.book.GetOrder(r.Context(), key)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.orderInfo(rec))
}

// orderInfo includes the current price while the order can still trade.
func (s *Server) orderInfo(rec *order.Record) OrderInfo {
	var current *big.Int
	if rec.Status == order.StatusOpen {
		if p, err := s.book.CurrentPrice(rec); err == nil {
			current = p
		}
	}
	return newOrderInfo(rec, current)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	account, err := s.book.Account(r.Context(), addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, newAccountInfo(account))
}

// parseOrderQuery reads ?collection&tokenId&side&saleKind&count&price&firstOrderKey.
func parseOrderQuery(r *http.Request) (order.Query, error) {
	v := r.URL.Query()
	var q order.Query

	collection, err := crypto.ParseAddress(v.Get("collection"))
	if err != nil {
		return q, validationErr("collection: %v", err)
	}
	tokenID, ok := new(big.Int).SetString(v.Get("tokenId"), 10)
	if !ok || !order.IsUint256(tokenID) {
		return q, validationErr("invalid tokenId %q", v.Get("tokenId"))
	}
	side, err := order.ParseSide(orDefault(v.Get("side"), "sell"))
	if err != nil {
		return q, err
	}
	kind, err := order.ParseSaleKind(orDefault(v.Get("saleKind"), "fixed"))
	if err != nil {
		return q, err
	}
	count, err := strconv.Atoi(orDefault(v.Get("count"), "20"))
	if err != nil {
		return q, validationErr("invalid count %q", v.Get("count"))
	}

	q = order.Query{
		Partition: order.Partition{Collection: collection, TokenID: tokenID, Side: side, SaleKind: kind},
		Count:     count,
	}
	if p := v.Get("price"); p != "" {
		price, ok := new(big.Int).SetString(p, 10)
		if !ok || price.Sign() < 0 {
			return q, validationErr("invalid price %q", p)
		}
		q.Price = price
	}
	if k := v.Get("firstOrderKey"); k != "" {
		if q.Cursor, err = transaction.ParseKey(k); err != nil {
			return q, err
		}
	}
	return q, nil
}

// ==============================
// Devnet handlers
// ==============================

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, err := crypto.ParseAddress(req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}

	if err := s.book.Deposit(r.Context(), addr, amount); err != nil {
		s.respondErr(w, err)
		return
	}
	account, err := s.book.Account(r.Context(), addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Infow("devnet_deposit", "address", addr.Hex(), "amount", amount.String())
	respondJSON(w, newAccountInfo(account))
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, err := crypto.ParseAddress(req.Owner)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid owner", err.Error())
		return
	}
	collection, err := crypto.ParseAddress(req.Collection)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid collection", err.Error())
		return
	}
	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok || !order.IsUint256(tokenID) {
		respondError(w, http.StatusBadRequest, "invalid tokenId", req.TokenID)
		return
	}
	amount, ok := new(big.Int).SetString(orDefault(req.Amount, "1"), 10)
	if !ok || amount.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}

	asset := order.Asset{TokenID: tokenID, Collection: collection, Amount: amount}
	if err := s.book.Mint(r.Context(), owner, asset); err != nil {
		s.respondErr(w, err)
		return
	}
	held, err := s.book.Holding(r.Context(), collection, tokenID, owner)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Infow("devnet_mint", "owner", owner.Hex(), "collection", collection.Hex(), "token_id", tokenID.String())
	respondJSON(w, HoldingInfo{
		Owner:      owner.Hex(),
		Collection: collection.Hex(),
		TokenID:    tokenID.String(),
		Amount:     held.String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":    "ok",
		"wsClients": s.hub.ClientCount(),
	})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondErr maps engine errors onto HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, name := statusOf(err)
	if !orderbook.IsClientError(err) && status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "err", err)
	}
	respondError(w, status, name, err.Error())
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, transaction.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, order.ErrValidation):
		return http.StatusBadRequest, "validation failed"
	case errors.Is(err, order.ErrDuplicateOrder):
		return http.StatusConflict, "duplicate order"
	case errors.Is(err, order.ErrInsufficientEscrow):
		return http.StatusPaymentRequired, "insufficient escrow"
	case errors.Is(err, order.ErrNotOwner), errors.Is(err, order.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, order.ErrOrderNotOpen):
		return http.StatusConflict, "order not open"
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{order.ErrValidation}, args...)...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
