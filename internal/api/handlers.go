package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/lease"
	"RentEscrow/internal/lending"
	"RentEscrow/internal/observability/alerting"
	"RentEscrow/internal/registry"
	"RentEscrow/internal/token"
)

const maxBodyBytes = 1 << 20

type createRentalRequest struct {
	Tenant        string `json:"tenant"`
	Rent          string `json:"rent"`
	Deposit       string `json:"deposit"`
	RentGuarantee string `json:"rent_guarantee"`
	PaymentToken  string `json:"payment_token"`
}

type enterRequest struct {
	Landlord      string `json:"landlord"`
	Deposit       string `json:"deposit"`
	RentGuarantee string `json:"rent_guarantee"`
	Rent          string `json:"rent"`
}

type endRentalRequest struct {
	RefundToTenantFromDeposit string `json:"refund_to_tenant_from_deposit"`
}

type agreementResponse struct {
	lease.Snapshot
	UnpaidPeriods uint64 `json:"unpaid_periods"`
}

type rentalIndexResponse struct {
	Owner     common.Address `json:"owner"`
	Index     uint64         `json:"index"`
	Agreement common.Address `json:"agreement"`
}

type rentalListResponse struct {
	Owner      common.Address   `json:"owner"`
	Count      int              `json:"count"`
	Agreements []common.Address `json:"agreements"`
}

type errorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateRental(w http.ResponseWriter, r *http.Request) {
	var req createRentalRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, "create_rental", "")
		return
	}
	tenant := common.Address{}
	if strings.TrimSpace(req.Tenant) != "" {
		addr, err := parseAddress("tenant", req.Tenant)
		if err != nil {
			s.writeError(w, r, err, "create_rental", "")
			return
		}
		tenant = addr
	}
	paymentToken, err := parseAddress("payment_token", req.PaymentToken)
	if err != nil {
		s.writeError(w, r, err, "create_rental", "")
		return
	}
	amounts, err := parseAmounts(
		namedAmount{"rent", req.Rent},
		namedAmount{"deposit", req.Deposit},
		namedAmount{"rent_guarantee", req.RentGuarantee},
	)
	if err != nil {
		s.writeError(w, r, err, "create_rental", "")
		return
	}

	agr, err := s.registry.CreateNewRental(r.Context(), tenant, amounts[0], amounts[1], amounts[2], paymentToken)
	if err != nil {
		s.writeError(w, r, err, "create_rental", "")
		return
	}
	writeJSON(w, http.StatusCreated, s.view(agr))
}

func (s *Server) handleListRentals(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", r.PathValue("owner"))
	if err != nil {
		s.writeError(w, r, err, "list_rentals", "")
		return
	}
	list, err := s.registry.ListByOwner(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err, "list_rentals", "")
		return
	}
	if list == nil {
		list = []common.Address{}
	}
	writeJSON(w, http.StatusOK, rentalListResponse{Owner: owner, Count: len(list), Agreements: list})
}

func (s *Server) handleRentalByIndex(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", r.PathValue("owner"))
	if err != nil {
		s.writeError(w, r, err, "rental_by_index", "")
		return
	}
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "索引必须是非负整数",
			xerrors.WithMetadata("index", r.PathValue("index"))), "rental_by_index", "")
		return
	}
	agreement, err := s.registry.RentalsByOwner(r.Context(), owner, index)
	if err != nil {
		s.writeError(w, r, err, "rental_by_index", "")
		return
	}
	writeJSON(w, http.StatusOK, rentalIndexResponse{Owner: owner, Index: index, Agreement: agreement})
}

func (s *Server) handleAgreement(w http.ResponseWriter, r *http.Request) {
	agr, ok := s.lookup(w, r, "agreement")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(agr))
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	agr, ok := s.lookup(w, r, lease.OpEnter)
	if !ok {
		return
	}
	var req enterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, lease.OpEnter, agr.Address().Hex())
		return
	}
	landlord, err := parseAddress("landlord", req.Landlord)
	if err != nil {
		s.writeError(w, r, err, lease.OpEnter, agr.Address().Hex())
		return
	}
	amounts, err := parseAmounts(
		namedAmount{"deposit", req.Deposit},
		namedAmount{"rent_guarantee", req.RentGuarantee},
		namedAmount{"rent", req.Rent},
	)
	if err != nil {
		s.writeError(w, r, err, lease.OpEnter, agr.Address().Hex())
		return
	}
	s.mutate(w, r, agr, lease.OpEnter, func(ctx context.Context) error {
		return agr.EnterAgreement(ctx, landlord, amounts[0], amounts[1], amounts[2])
	})
}

func (s *Server) handlePayRent(w http.ResponseWriter, r *http.Request) {
	agr, ok := s.lookup(w, r, lease.OpPayRent)
	if !ok {
		return
	}
	s.mutate(w, r, agr, lease.OpPayRent, agr.PayRent)
}

func (s *Server) handleWithdrawUnpaid(w http.ResponseWriter, r *http.Request) {
	agr, ok := s.lookup(w, r, lease.OpWithdrawUnpaidRent)
	if !ok {
		return
	}
	s.mutate(w, r, agr, lease.OpWithdrawUnpaidRent, agr.WithdrawUnpaidRent)
}

func (s *Server) handleEndRental(w http.ResponseWriter, r *http.Request) {
	agr, ok := s.lookup(w, r, lease.OpEndRental)
	if !ok {
		return
	}
	var req endRentalRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, lease.OpEndRental, agr.Address().Hex())
		return
	}
	amounts, err := parseAmounts(namedAmount{"refund_to_tenant_from_deposit", req.RefundToTenantFromDeposit})
	if err != nil {
		s.writeError(w, r, err, lease.OpEndRental, agr.Address().Hex())
		return
	}
	s.mutate(w, r, agr, lease.OpEndRental, func(ctx context.Context) error {
		return agr.EndRental(ctx, amounts[0])
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, op string) (*lease.Agreement, bool) {
	address, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err, op, "")
		return nil, false
	}
	agr, err := s.registry.Agreement(address)
	if err != nil {
		s.writeError(w, r, err, op, address.Hex())
		return nil, false
	}
	return agr, true
}

// mutate 执行一次状态变更，成功后持久化快照。持久化失败不回滚已完成的转账，
// 只记录日志并告警。
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, agr *lease.Agreement, op string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		s.writeError(w, r, err, op, agr.Address().Hex())
		return
	}
	if err := s.registry.Persist(r.Context(), agr); err != nil {
		s.log.ErrorContext(r.Context(), "持久化协议快照失败",
			slog.String("op", op),
			slog.String("agreement", agr.Address().Hex()),
			slog.Any("error", err),
		)
		alerting.Report(r.Context(), s.alerts, err, op, agr.Address().Hex())
	}
	writeJSON(w, http.StatusOK, s.view(agr))
}

func (s *Server) view(agr *lease.Agreement) agreementResponse {
	return agreementResponse{
		Snapshot:      agr.Snapshot(),
		UnpaidPeriods: agr.UnpaidPeriods(s.registry.Now()),
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, op, agreement string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "请求处理失败",
			slog.String("op", op),
			slog.String("agreement", agreement),
			slog.Any("error", err),
		)
	}
	alerting.Report(r.Context(), s.alerts, err, op, agreement)

	resp := errorResponse{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
		resp.Metadata = e.Metadata()
	}
	writeJSON(w, status, resp)
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, lease.CodeInvalidTerms:
		return http.StatusBadRequest
	case xerrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case lease.CodeUnauthorized, lending.CodeNotOwner:
		return http.StatusForbidden
	case xerrors.CodeNotFound, registry.CodeAgreementNotFound, registry.CodeIndexOutOfRange, token.CodeUnknownToken:
		return http.StatusNotFound
	case xerrors.CodeConflict, lease.CodeAlreadyEntered, lease.CodeNotActive, lending.CodeClosed:
		return http.StatusConflict
	case lease.CodeTermsMismatch, lease.CodeInvalidDepositAmount, lease.CodeNoUnpaidRent,
		lease.CodeInsufficientAllowance, lease.CodeOverflow,
		token.CodeInsufficientBalance, token.CodeInsufficientAllowance, lending.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case lending.CodeVenueFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure, token.CodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "地址格式错误",
			xerrors.WithMetadata("field", field),
			xerrors.WithMetadata("value", raw))
	}
	return common.HexToAddress(raw), nil
}

type namedAmount struct {
	field string
	raw   string
}

func parseAmounts(values ...namedAmount) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, 0, len(values))
	for _, v := range values {
		raw := strings.TrimSpace(v.raw)
		if raw == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为空",
				xerrors.WithMetadata("field", v.field))
		}
		amount, err := token.ParseAmount(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "金额格式错误",
				xerrors.WithMetadata("field", v.field))
		}
		out = append(out, amount)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
