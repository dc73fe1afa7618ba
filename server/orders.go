package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	errskit "circlesmarket/errs"
	"circlesmarket/market/bus"
	"circlesmarket/market/ids"
	"circlesmarket/market/orders"
	"circlesmarket/market/schema"
)

// busSource abstracts the event bus for the SSE handlers.
type busSource interface {
	Subscribe(ctx context.Context, address string, chainID int64) <-chan bus.StatusEvent
}

func orderIDParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "orderID")
	if !ids.ValidOrderID(id) {
		return "", errskit.Newf(errskit.KindInvalid, "malformed order id %q", id)
	}
	return id, nil
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	return page, orders.ClampPageSize(pageSize)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	order, err := s.access.GetForBuyer(r.Context(), id, identity.Address, identity.ChainID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if order == nil {
		writeError(w, s.logger, errskit.Newf(errskit.KindNotFound, "order %s not found", id))
		return
	}
	writeLD(w, http.StatusOK, order)
}

type batchRequest struct {
	OrderIDs []string `json:"orderIds"`
}

type batchResponse struct {
	OrderIDs []string `json:"orderIds"`
}

// handleOrdersBatch filters the submitted ids down to those the caller owns.
// Malformed ids are dropped, not rejected; the response order follows the
// request.
func (s *Server) handleOrdersBatch(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	owned := make([]string, 0, len(req.OrderIDs))
	for _, id := range req.OrderIDs {
		if !ids.ValidOrderID(id) {
			continue
		}
		owner, ownerChain, known, err := s.orders.GetOwnerByOrderId(r.Context(), id)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		if known && owner == identity.Address && ownerChain == identity.ChainID {
			owned = append(owned, id)
		}
	}
	writeLD(w, http.StatusOK, batchResponse{OrderIDs: owned})
}

func (s *Server) handleOrdersByBuyer(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	page, pageSize := pageParams(r)
	list, err := s.access.ListForBuyer(r.Context(), identity.Address, identity.ChainID, page, pageSize)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if list == nil {
		list = []*schema.Order{}
	}
	writeLD(w, http.StatusOK, map[string]any{"orders": list, "page": page, "pageSize": pageSize})
}

func (s *Server) handleOrdersBySeller(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	page, pageSize := pageParams(r)
	list, err := s.access.ListForSeller(r.Context(), identity.Address, identity.ChainID, page, pageSize)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if list == nil {
		list = []*orders.SellerOrder{}
	}
	writeLD(w, http.StatusOK, map[string]any{"orders": list, "page": page, "pageSize": pageSize})
}

func (s *Server) handleGetOrderAsSeller(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	projection, err := s.access.GetForSeller(r.Context(), id, identity.Address, identity.ChainID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if projection == nil {
		writeError(w, s.logger, errskit.Newf(errskit.KindNotFound, "order %s not found", id))
		return
	}
	writeLD(w, http.StatusOK, projection)
}

func (s *Server) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	id, err := orderIDParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	owner, ownerChain, known, err := s.orders.GetOwnerByOrderId(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !known || owner != identity.Address || ownerChain != identity.ChainID {
		writeError(w, s.logger, errskit.Newf(errskit.KindNotFound, "order %s not found", id))
		return
	}
	history, err := s.orders.GetStatusHistory(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if history == nil {
		history = []orders.StatusChange{}
	}
	writeLD(w, http.StatusOK, map[string]any{"orderId": id, "history": history})
}

func (s *Server) handleBuyerEvents(w http.ResponseWriter, r *http.Request) {
	s.serveEvents(w, r, s.buyerBus)
}

func (s *Server) handleSellerEvents(w http.ResponseWriter, r *http.Request) {
	s.serveEvents(w, r, s.sellerBus)
}

// serveEvents streams order-status events for the authenticated identity
// until the client disconnects.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, b busSource) {
	identity, _ := IdentityFrom(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, s.logger, errskit.New(errskit.KindInternal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := b.Subscribe(r.Context(), identity.Address, identity.ChainID)
	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: order-status\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}
