// Package api exposes the realtime quote, ranking, watch-list and status
// endpoints over plain net/http.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang-kis-streamer/internal/catalog"
	"golang-kis-streamer/internal/quote"
	"golang-kis-streamer/internal/stream"
	"golang-kis-streamer/internal/subs"
)

// QuoteReader reads cached realtime quotes.
type QuoteReader interface {
	Get(ctx context.Context, code string) (quote.Quote, bool, error)
}

// Catalog serves instrument metadata and the trading-value ranking.
type Catalog interface {
	TopByTradingValue(n int) ([]catalog.Instrument, error)
	Lookup(code string) (catalog.Instrument, bool, error)
	RefreshFromAPI() (*catalog.RefreshResult, error)
	Stats() map[string]interface{}
}

// StreamController is the slice of the streaming session the API drives.
type StreamController interface {
	AddWatch(codes []string) subs.AddResult
	RemoveWatch(codes []string) int
	ClearWatch() int
	Status() stream.SessionStatus
}

// Handler wires the HTTP surface to the quote cache, catalog and session.
type Handler struct {
	quotes    QuoteReader
	catalog   Catalog
	streams   StreamController
	startTime time.Time
}

// NewHandler creates the API handler.
func NewHandler(quotes QuoteReader, cat Catalog, streams StreamController) *Handler {
	return &Handler{
		quotes:    quotes,
		catalog:   cat,
		streams:   streams,
		startTime: time.Now(),
	}
}

// Register attaches every endpoint to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/realtime/quote/", h.handleQuote)
	mux.HandleFunc("/realtime/ranking", h.handleRanking)
	mux.HandleFunc("/realtime/watch", h.handleWatch)
	mux.HandleFunc("/realtime/watch/all", h.handleWatchAll)
	mux.HandleFunc("/realtime/status", h.handleStatus)
	mux.HandleFunc("/catalog/refresh", h.handleCatalogRefresh)
	mux.HandleFunc("/health", h.handleHealth)

	log.Printf("✅ API endpoints registered:")
	log.Printf("  GET    /realtime/quote/{code} - Get cached realtime quote")
	log.Printf("  GET    /realtime/ranking - Get trading-value ranking with live quotes")
	log.Printf("  POST   /realtime/watch - Add watch subscriptions")
	log.Printf("  DELETE /realtime/watch - Remove watch subscriptions")
	log.Printf("  DELETE /realtime/watch/all - Clear additional subscriptions")
	log.Printf("  GET    /realtime/status - Get streaming session status")
	log.Printf("  POST   /catalog/refresh - Refresh instrument catalog")
	log.Printf("  GET    /health - Health check")
}

// watchRequest is the body of POST/DELETE /realtime/watch.
type watchRequest struct {
	StockCodes []string `json:"stock_codes"`
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	code := strings.TrimPrefix(r.URL.Path, "/realtime/quote/")
	if code == "" || strings.Contains(code, "/") {
		writeError(w, http.StatusBadRequest, "Stock code required")
		return
	}

	q, found, err := h.quotes.Get(r.Context(), code)
	if err != nil {
		log.Printf("❌ Error reading quote for %s: %v", code, err)
		writeError(w, http.StatusInternalServerError, "Failed to read quote")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "No realtime quote for "+code)
		return
	}

	payload := quoteBody(q)
	if inst, ok, err := h.catalog.Lookup(code); err == nil && ok {
		payload["stock_name"] = inst.Name
		payload["market"] = inst.Market
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    payload,
	})
}

func (h *Handler) handleRanking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 28
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	ranking, err := h.catalog.TopByTradingValue(limit)
	if err != nil {
		log.Printf("❌ Error querying ranking: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to query ranking")
		return
	}

	entries := make([]map[string]interface{}, 0, len(ranking))
	for i, inst := range ranking {
		entry := map[string]interface{}{
			"rank":          i + 1,
			"stock_code":    inst.Code,
			"stock_name":    inst.Name,
			"market":        inst.Market,
			"trading_value": inst.TradingValue,
		}

		if q, found, err := h.quotes.Get(r.Context(), inst.Code); err == nil && found {
			entry["quote"] = quoteBody(q)
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(entries),
		"data":    entries,
	})
}

func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleWatchAdd(w, r)
	case http.MethodDelete:
		h.handleWatchRemove(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *Handler) handleWatchAdd(w http.ResponseWriter, r *http.Request) {
	codes, ok := decodeWatchRequest(w, r)
	if !ok {
		return
	}

	result := h.streams.AddWatch(codes)

	status := http.StatusOK
	if len(result.Rejected) > 0 || len(result.Failed) > 0 {
		// Partial outcome: some codes subscribed, some refused.
		status = http.StatusMultiStatus
		if len(result.Accepted) == 0 && len(result.Already) == 0 {
			status = http.StatusConflict
		}
	}

	writeJSON(w, status, map[string]interface{}{
		"success": len(result.Rejected) == 0 && len(result.Failed) == 0,
		"data":    result,
	})
}

func (h *Handler) handleWatchRemove(w http.ResponseWriter, r *http.Request) {
	codes, ok := decodeWatchRequest(w, r)
	if !ok {
		return
	}

	removed := h.streams.RemoveWatch(codes)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"removed": removed,
	})
}

func (h *Handler) handleWatchAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	removed := h.streams.ClearWatch()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"removed": removed,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"stream":         h.streams.Status(),
		"catalog":        h.catalog.Stats(),
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	result, err := h.catalog.RefreshFromAPI()
	if err != nil {
		log.Printf("❌ Catalog refresh failed: %v", err)
		writeError(w, http.StatusBadGateway, "Catalog refresh failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    result,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"service":        "kis-realtime-streamer",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// decodeWatchRequest parses the shared watch-list request body.
func decodeWatchRequest(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, false
	}

	codes := make([]string, 0, len(req.StockCodes))
	for _, code := range req.StockCodes {
		code = strings.TrimSpace(code)
		if code != "" {
			codes = append(codes, code)
		}
	}
	if len(codes) == 0 {
		writeError(w, http.StatusBadRequest, "stock_codes required")
		return nil, false
	}
	return codes, true
}

// quoteBody renders one cached quote for a response payload.
func quoteBody(q quote.Quote) map[string]interface{} {
	return map[string]interface{}{
		"stock_code":    q.Code,
		"current_price": q.Price,
		"change_amount": q.ChangeAmount,
		"change_rate":   q.ChangeRate,
		"change_sign":   q.Sign,
		"change_symbol": quote.SignGlyph(q.Sign),
		"trade_time":    q.TradeTime,
		"observed_at":   q.ObservedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("❌ Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
