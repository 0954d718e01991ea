package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"FundLedger/internal/command"
	"FundLedger/internal/core"
	"FundLedger/internal/escrow"
	"FundLedger/internal/fund"
	"FundLedger/internal/ledger"
	fpmath "FundLedger/internal/math"

	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Ledger is the engine surface the transports use. *core.Engine implements it.
type Ledger interface {
	Execute(ctx context.Context, cmd command.Command) (*core.Result, error)
	FundView(now time.Time) (fund.View, error)
	Account(addr ledger.Address) (core.AccountView, error)
	Escrow(h escrow.Handle, now time.Time) (core.EscrowView, error)
	Escrows(filter core.EscrowFilter, recipient ledger.Address, now time.Time) []core.EscrowView
	Preview(kind core.PreviewKind, amount *uint256.Int) (*uint256.Int, error)
	GetSequence() int64
	GetStateHash() [32]byte
	Halted() error
}

// FundStatus is the fund view plus the log position and readable prices.
type FundStatus struct {
	fund.View
	SharePriceDecimal    string `json:"share_price_decimal"`
	HighWaterMarkDecimal string `json:"high_water_mark_decimal"`
	Sequence             int64  `json:"sequence"`
	StateHash            string `json:"state_hash"`
	Halted               string `json:"halted,omitempty"`
}

// Service implements FundService over a Ledger.
type Service struct {
	ledger Ledger
	now    func() time.Time
}

func NewService(l Ledger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{ledger: l, now: now}
}

// Submit decodes and executes a command. When the request is authenticated
// the token's subject replaces any caller in the body, and a missing
// timestamp is stamped with the current time.
func (s *Service) Submit(ctx context.Context, typ string, body []byte) (*core.Result, error) {
	t, err := command.ParseType(typ)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	cmd, err := command.Decode(t, body)
	if err != nil {
		return nil, err
	}
	h := cmd.Header()
	if caller, ok := CallerFrom(ctx); ok {
		h.By = caller
	}
	if h.At.IsZero() {
		h.At = s.now().UTC()
	}
	return s.ledger.Execute(ctx, cmd)
}

// CurrentStatus evaluates the fund view at the current time.
func (s *Service) CurrentStatus() (FundStatus, error) {
	view, err := s.ledger.FundView(s.now())
	if err != nil {
		return FundStatus{}, err
	}
	hash := s.ledger.GetStateHash()
	st := FundStatus{
		View:                 view,
		SharePriceDecimal:    fpmath.WADToDecimal(view.SharePrice).String(),
		HighWaterMarkDecimal: fpmath.WADToDecimal(view.HighWaterMark).String(),
		Sequence:             s.ledger.GetSequence(),
		StateHash:            hex.EncodeToString(hash[:]),
	}
	if err := s.ledger.Halted(); err != nil {
		st.Halted = err.Error()
	}
	return st, nil
}

// === gRPC ===

const serviceName = "fundledger.v1.FundService"

// FundService is the hand-described gRPC service. Messages are
// google.protobuf.Struct.
type FundService interface {
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Register adds FundService to a gRPC server.
func Register(server grpc.ServiceRegistrar, svc FundService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*FundService)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Execute", Handler: unaryHandler("Execute", svc.Execute)},
			{MethodName: "Status", Handler: unaryHandler("Status", svc.Status)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "fundledger/v1/fund.proto",
	}, svc)
}

func unaryHandler(method string, fn func(context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return fn(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

// Execute takes {"type": "<CommandType>", "command": {...}}.
func (s *Service) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	typ := req.GetFields()["type"].GetStringValue()
	if typ == "" {
		return nil, status.Error(codes.InvalidArgument, "missing type")
	}
	var body []byte
	if c := req.GetFields()["command"].GetStructValue(); c != nil {
		raw, err := c.MarshalJSON()
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "command: %v", err)
		}
		body = raw
	}

	res, err := s.Submit(ctx, typ, body)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func (s *Service) Status(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.CurrentStatus()
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %v: %w", s, err, command.ErrMalformedInput)
	}
	return v, nil
}
