package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"FundLedger/internal/command"
	"FundLedger/internal/core"
	"FundLedger/internal/escrow"
	"FundLedger/internal/guard"
	"FundLedger/internal/ledger"
	"FundLedger/internal/observability"
	"FundLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
)

const maxBody = 1 << 20

// PreviewResponse answers GET /v1/preview/{kind}.
type PreviewResponse struct {
	Kind   core.PreviewKind `json:"kind"`
	Amount *uint256.Int     `json:"amount"`
	Result *uint256.Int     `json:"result"`
}

// LogReader serves the persisted command log and journal. *query.Service
// implements it.
type LogReader interface {
	History(ctx context.Context, f query.HistoryFilter) (*query.History, error)
	Balance(ctx context.Context, account ledger.Address, asset string) (*query.BalanceResponse, error)
	Commands(ctx context.Context, after int64, limit int) ([]query.LoggedCommand, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// NewGateway builds the REST routes served under /v1. The log routes are
// only registered when a LogReader is given.
func NewGateway(svc *Service, log LogReader, metrics *observability.Metrics) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	g := &gateway{svc: svc, log: log, metrics: metrics}

	routes := []route{
		{http.MethodPost, "/v1/commands/{type}", "commands", g.submit},
		{http.MethodGet, "/v1/fund", "fund", g.fund},
		{http.MethodGet, "/v1/escrows", "escrows", g.escrows},
		{http.MethodGet, "/v1/escrows/{id}", "escrow", g.escrow},
		{http.MethodGet, "/v1/accounts/{address}", "account", g.account},
		{http.MethodGet, "/v1/preview/{kind}", "preview", g.preview},
	}
	if log != nil {
		routes = append(routes, []route{
			{http.MethodGet, "/v1/accounts/{address}/journal", "journal", g.journal},
			{http.MethodGet, "/v1/accounts/{address}/balances/{asset}", "balance", g.balance},
			{http.MethodGet, "/v1/log", "log", g.commands},
			{http.MethodGet, "/v1/admin/integrity", "integrity", g.integrity},
		}...)
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, g.instrument(r.endpoint, r.h)); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", r.method, r.pattern, err)
		}
	}
	return mux, nil
}

type route struct {
	method, pattern, endpoint string
	h                         runtime.HandlerFunc
}

type gateway struct {
	svc     *Service
	log     LogReader
	metrics *observability.Metrics
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (g *gateway) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	if g.metrics == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		g.metrics.APIRequests.WithLabelValues(endpoint).Inc()
		g.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if rec.status >= 400 {
			g.metrics.APIErrors.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		}
	}
}

func (g *gateway) submit(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(core.KindInvalid), err)
		return
	}
	res, err := g.svc.Submit(r.Context(), params["type"], body)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *gateway) fund(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	st, err := g.svc.CurrentStatus()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *gateway) escrows(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	filter, err := core.ParseEscrowFilter(q.Get("status"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	list := g.svc.ledger.Escrows(filter, ledger.Address(q.Get("recipient")), g.svc.now())
	writeJSON(w, http.StatusOK, map[string]any{"escrows": list})
}

func (g *gateway) escrow(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	h, err := escrow.ParseHandle(params["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	v, err := g.svc.ledger.Escrow(h, g.svc.now())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (g *gateway) account(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	addr := ledger.Address(params["address"])
	if addr.IsZero() {
		writeEngineError(w, fmt.Errorf("address: %w", ledger.ErrInvalidAddress))
		return
	}
	v, err := g.svc.ledger.Account(addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (g *gateway) preview(w http.ResponseWriter, r *http.Request, params map[string]string) {
	raw := r.URL.Query().Get("amount")
	if raw == "" {
		writeEngineError(w, errors.Join(errors.New("amount query parameter is required"), command.ErrMalformedInput))
		return
	}
	amount, err := parseAmount(raw)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	kind := core.PreviewKind(params["kind"])
	out, err := g.svc.ledger.Preview(kind, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{Kind: kind, Amount: amount, Result: out})
}

// intParam reads an optional non-negative integer query parameter.
func intParam(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s %q: %w", name, raw, command.ErrMalformedInput)
	}
	return v, nil
}

func (g *gateway) journal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	before, err := intParam(r, "before")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h, err := g.log.History(r.Context(), query.HistoryFilter{
		Account: ledger.Address(params["address"]),
		Asset:   r.URL.Query().Get("asset"),
		Before:  before,
		Limit:   int(limit),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (g *gateway) balance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	b, err := g.log.Balance(r.Context(), ledger.Address(params["address"]), params["asset"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (g *gateway) commands(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	after, err := intParam(r, "after")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	cmds, err := g.log.Commands(r.Context(), after, int(limit))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

// integrity is restricted to the fund owner when requests are authenticated.
func (g *gateway) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if caller, ok := CallerFrom(r.Context()); ok {
		view, err := g.svc.ledger.FundView(g.svc.now())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if caller != view.Owner {
			writeEngineError(w, fmt.Errorf("%s is not the owner: %w", caller, guard.ErrUnauthorized))
			return
		}
	}
	report, err := g.log.VerifyIntegrity(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
