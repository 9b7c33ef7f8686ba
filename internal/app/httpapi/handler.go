// Package httpapi exposes the ledger and marketplace engines over JSON/HTTP.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	app "github.com/R3E-Network/vidledger/internal/app"
	"github.com/R3E-Network/vidledger/internal/app/auth"
	"github.com/R3E-Network/vidledger/internal/app/metrics"
	"github.com/R3E-Network/vidledger/internal/app/services/marketplace"
	apperrors "github.com/R3E-Network/vidledger/internal/errors"
	"github.com/R3E-Network/vidledger/internal/httputil"
	"github.com/R3E-Network/vidledger/internal/middleware"
	"github.com/R3E-Network/vidledger/pkg/logger"
)

// Config carries the HTTP surface settings.
type Config struct {
	JWTSecret   []byte
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
}

// handler bundles HTTP endpoints for the application engines.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns the router exposing the REST API. The rate limiter is
// attached to application, so call it before application.Start.
func NewHandler(application *app.Application, cfg Config, log *logger.Logger) (http.Handler, error) {
	if log == nil {
		log = logger.NewDefault("http")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	if err := application.Attach(limiter); err != nil {
		return nil, err
	}
	authn := middleware.NewAuthMiddleware(cfg.JWTSecret, log, nil)

	h := &handler{app: application, log: log}
	root := mux.NewRouter()
	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, apperrors.NotFound("route", r.URL.Path))
	})
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, httputil.ErrorResponse{Error: "method not allowed", Code: "METHOD_NOT_ALLOWED"})
	})
	root.Use(middleware.LoggingMiddleware(log))

	root.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := root.PathPrefix("/api").Subrouter()
	api.Use(authn.Handler, middleware.RequirePrincipal, limiter.Handler)

	api.HandleFunc("/wallet", h.openWallet).Methods(http.MethodPost)
	api.HandleFunc("/wallet", h.wallet).Methods(http.MethodGet)
	api.HandleFunc("/wallet/transfer", h.transfer).Methods(http.MethodPost)
	api.HandleFunc("/wallet/withdraw", h.withdraw).Methods(http.MethodPost)
	api.HandleFunc("/wallet/credit", h.credit).Methods(http.MethodPost)
	api.HandleFunc("/wallet/stakes", h.listStakes).Methods(http.MethodGet)
	api.HandleFunc("/wallet/stakes", h.createStake).Methods(http.MethodPost)
	api.HandleFunc("/wallet/stakes/{id}/withdraw", h.withdrawStake).Methods(http.MethodPost)

	api.HandleFunc("/assets", h.registerAsset).Methods(http.MethodPost)
	api.HandleFunc("/assets", h.browse).Methods(http.MethodGet)
	api.HandleFunc("/assets/inventory", h.inventory).Methods(http.MethodGet)
	api.HandleFunc("/assets/{id}", h.details).Methods(http.MethodGet)
	api.HandleFunc("/assets/{id}/list", h.listAsset).Methods(http.MethodPost)
	api.HandleFunc("/assets/{id}/cancel", h.cancelListing).Methods(http.MethodPost)
	api.HandleFunc("/assets/{id}/mint", h.mintAsset).Methods(http.MethodPost)
	api.HandleFunc("/assets/{id}/burn", h.burnAsset).Methods(http.MethodPost)
	api.HandleFunc("/assets/{id}/buy", h.buyAsset).Methods(http.MethodPost)
	api.HandleFunc("/assets/{id}/sales", h.salesHistory).Methods(http.MethodGet)

	cors := middleware.NewCORSMiddleware(cfg.CORSOrigins)
	return metrics.InstrumentHandler(cors.Handler(root)), nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"services": h.app.Services(),
	})
}

// caller returns the authenticated principal. RequirePrincipal guarantees
// it is present on /api routes.
func caller(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// --- wallet ---

func (h *handler) openWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.app.Ledger.OpenWallet(r.Context(), caller(r).AccountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}

func (h *handler) wallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.app.Ledger.Wallet(r.Context(), caller(r).AccountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ToAddress string `json:"to_address"`
		Amount    int64  `json:"amount"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	balance, err := h.app.Ledger.Transfer(r.Context(), caller(r).AccountID, payload.ToAddress, payload.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount int64 `json:"amount"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	wallet, err := h.app.Ledger.Withdraw(r.Context(), caller(r).AccountID, payload.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}

func (h *handler) credit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID string `json:"account_id"`
		Amount    int64  `json:"amount"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	wallet, err := h.app.Ledger.Credit(r.Context(), caller(r), payload.AccountID, payload.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}

func (h *handler) listStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.app.Ledger.ListStakes(r.Context(), caller(r).AccountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stakes)
}

func (h *handler) createStake(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount       int64 `json:"amount"`
		DurationDays int   `json:"duration_days"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	stake, err := h.app.Ledger.Stake(r.Context(), caller(r).AccountID, payload.Amount, payload.DurationDays)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, stake)
}

func (h *handler) withdrawStake(w http.ResponseWriter, r *http.Request) {
	stake, err := h.app.Ledger.WithdrawStake(r.Context(), caller(r).AccountID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stake)
}

// --- assets ---

func (h *handler) registerAsset(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	asset, err := h.app.Marketplace.RegisterAsset(r.Context(), payload.ID, caller(r).AccountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, asset)
}

func (h *handler) browse(w http.ResponseWriter, r *http.Request) {
	assets, err := h.app.Marketplace.Browse(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, assets)
}

func (h *handler) inventory(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		owner = caller(r).AccountID
	}
	assets, err := h.app.Marketplace.Inventory(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, assets)
}

func (h *handler) details(w http.ResponseWriter, r *http.Request) {
	details, err := h.app.Marketplace.Details(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, details)
}

func (h *handler) listAsset(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Price int64 `json:"sale_price"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	asset, err := h.app.Marketplace.List(r.Context(), caller(r).AccountID, mux.Vars(r)["id"], payload.Price)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, asset)
}

func (h *handler) cancelListing(w http.ResponseWriter, r *http.Request) {
	asset, err := h.app.Marketplace.Cancel(r.Context(), caller(r).AccountID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, asset)
}

func (h *handler) mintAsset(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Royalties decimal.Decimal `json:"royalties"`
		Title     string          `json:"title"`
		Caption   string          `json:"caption"`
		MediaURL  string          `json:"media_url"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	asset, err := h.app.Marketplace.Mint(r.Context(), caller(r).AccountID, mux.Vars(r)["id"], payload.Royalties, marketplace.MintMetadata{
		Title:    payload.Title,
		Caption:  payload.Caption,
		MediaURL: payload.MediaURL,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, asset)
}

func (h *handler) burnAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := h.app.Marketplace.Burn(r.Context(), caller(r).AccountID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, asset)
}

func (h *handler) buyAsset(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Seller string `json:"seller"`
		Price  int64  `json:"sale_price"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	asset, err := h.app.Marketplace.Buy(r.Context(), caller(r).AccountID, mux.Vars(r)["id"], payload.Seller, payload.Price)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, asset)
}

func (h *handler) salesHistory(w http.ResponseWriter, r *http.Request) {
	sales, err := h.app.History.ListSalesFor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sales)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if se := apperrors.GetServiceError(err); se == nil || se.Code == apperrors.CodeInternal {
		h.log.WithError(err).WithFields(map[string]interface{}{
			"request_id": middleware.RequestID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	httputil.WriteError(w, err)
}
