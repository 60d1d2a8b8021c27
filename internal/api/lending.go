package api

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RentEscrow/internal/lending"
)

type lendingStatus struct {
	Address      common.Address `json:"address"`
	Owner        common.Address `json:"owner"`
	PaymentToken common.Address `json:"payment_token"`
	ReceiptToken common.Address `json:"receipt_token"`
	Closed       bool           `json:"closed"`
}

type lendingAmountRequest struct {
	Amount string `json:"amount"`
}

type lendingResult struct {
	Amount string        `json:"amount"`
	Status lendingStatus `json:"status"`
}

// WithLending 暴露闲置资金的借贷接口。
func WithLending(svc *lending.Service) Option {
	return func(s *Server) { s.lending = svc }
}

func (s *Server) lendingRoutes(mux *http.ServeMux) {
	if s.lending == nil {
		return
	}
	s.route(mux, "GET /api/v1/lending", "lending_status", s.handleLendingStatus)
	s.route(mux, "POST /api/v1/lending/supply", "lending_supply", s.handleLendingSupply)
	s.route(mux, "POST /api/v1/lending/redeem", "lending_redeem", s.handleLendingRedeem)
	s.route(mux, "POST /api/v1/lending/redeem-all", "lending_redeem_all", s.handleLendingRedeemAll)
	s.route(mux, "POST /api/v1/lending/close", "lending_close", s.handleLendingClose)
}

func (s *Server) lendingStatus() lendingStatus {
	return lendingStatus{
		Address:      s.lending.Address(),
		Owner:        s.lending.Owner(),
		PaymentToken: s.lending.PaymentToken(),
		ReceiptToken: s.lending.ReceiptToken(),
		Closed:       s.lending.Closed(),
	}
}

func (s *Server) handleLendingStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.lendingStatus())
}

func (s *Server) handleLendingSupply(w http.ResponseWriter, r *http.Request) {
	amount, ok := s.lendingAmount(w, r, "lending_supply")
	if !ok {
		return
	}
	if err := s.lending.Supply(r.Context(), amount); err != nil {
		s.writeError(w, r, err, "lending_supply", s.lending.Address().Hex())
		return
	}
	writeJSON(w, http.StatusOK, lendingResult{Amount: amount.Dec(), Status: s.lendingStatus()})
}

func (s *Server) handleLendingRedeem(w http.ResponseWriter, r *http.Request) {
	amount, ok := s.lendingAmount(w, r, "lending_redeem")
	if !ok {
		return
	}
	s.lendingPayout(w, r, "lending_redeem", func(ctx context.Context) (*uint256.Int, error) {
		return s.lending.Redeem(ctx, amount)
	})
}

func (s *Server) handleLendingRedeemAll(w http.ResponseWriter, r *http.Request) {
	s.lendingPayout(w, r, "lending_redeem_all", s.lending.RedeemAll)
}

func (s *Server) handleLendingClose(w http.ResponseWriter, r *http.Request) {
	s.lendingPayout(w, r, "lending_close", s.lending.Close)
}

func (s *Server) lendingPayout(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) (*uint256.Int, error)) {
	returned, err := fn(r.Context())
	if err != nil {
		s.writeError(w, r, err, op, s.lending.Address().Hex())
		return
	}
	writeJSON(w, http.StatusOK, lendingResult{Amount: returned.Dec(), Status: s.lendingStatus()})
}

func (s *Server) lendingAmount(w http.ResponseWriter, r *http.Request, op string) (*uint256.Int, bool) {
	var req lendingAmountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, op, s.lending.Address().Hex())
		return nil, false
	}
	amounts, err := parseAmounts(namedAmount{"amount", req.Amount})
	if err != nil {
		s.writeError(w, r, err, op, s.lending.Address().Hex())
		return nil, false
	}
	return amounts[0], true
}
