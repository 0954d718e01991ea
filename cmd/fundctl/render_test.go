package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"FundLedger/internal/core"
	"FundLedger/internal/escrow"
	"FundLedger/internal/fund"
	"FundLedger/internal/query"
	"FundLedger/internal/server"

	"github.com/holiman/uint256"
)

var usdc = amountFormat{currency: "USD", decimals: 6}

func TestAmountFormat_Money(t *testing.T) {
	tests := []struct {
		name string
		f    amountFormat
		v    *uint256.Int
		want string
	}{
		{"nil", usdc, nil, "-"},
		{"whole", usdc, uint256.NewInt(1_250_000_000), "$1,250.00"},
		{"rounds down", usdc, uint256.NewInt(1_999_999), "$1.99"},
		{"unknown currency", amountFormat{currency: "XYZ", decimals: 2}, uint256.NewInt(150), "1.5 XYZ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.money(tt.v); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAmountFormat_Shares(t *testing.T) {
	if got := usdc.shares(uint256.NewInt(2_500_000), "fUSDC"); got != "2.5 fUSDC" {
		t.Errorf("got %q, want %q", got, "2.5 fUSDC")
	}
}

func TestStatusMarkdown(t *testing.T) {
	st := server.FundStatus{
		View: fund.View{
			Address:     "fund",
			Asset:       "USDC",
			ShareSymbol: "fUSDC",
			Paused:      true,
			TotalAssets: uint256.NewInt(3_000_000),
			TotalSupply: uint256.NewInt(3_000_000),
		},
		SharePriceDecimal: "1",
		Sequence:          12,
		StateHash:         "00112233445566778899aabbccddeeff",
	}
	md := statusMarkdown(st, usdc)
	for _, want := range []string{"# Fund `fund`", "**paused**", "| Total assets | $3.00 |", "| Total supply | 3 fUSDC |", "| Sequence | 12 |", "0011223344556677…"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestEscrowsMarkdown(t *testing.T) {
	if got := escrowsMarkdown(nil, usdc); !strings.Contains(got, "No escrows") {
		t.Errorf("got %q", got)
	}
	list := []core.EscrowView{{
		State: escrow.State{
			Handle:        4,
			Recipient:     "builder",
			Deadline:      time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
			TotalReleased: uint256.NewInt(1_000_000),
		},
		Status:     escrow.StatusActive,
		Total:      uint256.NewInt(3_000_000),
		Unreleased: uint256.NewInt(2_000_000),
	}}
	md := escrowsMarkdown(list, usdc)
	want := "| 4 | builder | active | 2025-06-30 | $3.00 | $1.00 | $2.00 | false |"
	if !strings.Contains(md, want) {
		t.Errorf("markdown missing %q:\n%s", want, md)
	}
}

func TestCommandBody(t *testing.T) {
	body, err := commandBody([]string{"assets=1000", "escrow:=3", "indices:=[0,2]", "memo=a=b"})
	if err != nil {
		t.Fatalf("commandBody: %v", err)
	}
	if body["assets"] != "1000" {
		t.Errorf("assets: got %v", body["assets"])
	}
	if body["memo"] != "a=b" {
		t.Errorf("memo: got %v", body["memo"])
	}
	if got := string(body["indices"].(json.RawMessage)); got != "[0,2]" {
		t.Errorf("indices: got %s", got)
	}

	for _, bad := range []string{"novalue", "=x", "escrow:={"} {
		if _, err := commandBody([]string{bad}); err == nil {
			t.Errorf("commandBody(%q) should fail", bad)
		}
	}
}

func TestExecHeader(t *testing.T) {
	c := &execCmd{caller: "alice", at: "2025-02-01T10:00:00Z"}
	body := map[string]any{}
	if err := c.header(body); err != nil {
		t.Fatal(err)
	}
	if body["id"] == "" || body["caller"] != "alice" {
		t.Errorf("got %v", body)
	}
	if at := body["timestamp"].(time.Time); !at.Equal(time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp: got %v", at)
	}

	bad := &execCmd{at: "yesterday"}
	if err := bad.header(map[string]any{}); err == nil {
		t.Error("bad -at should fail")
	}
}

func TestIntegrityMarkdown(t *testing.T) {
	r := query.IntegrityReport{
		Commands:        4,
		Journals:        6,
		HashChainBreaks: []int64{3},
		Supply:          map[string]*uint256.Int{"USDC": uint256.NewInt(1_500_000), "fUSDC": uint256.NewInt(1_000_000)},
		AsOfSequence:    4,
	}
	md := integrityMarkdown(r, usdc)
	for _, want := range []string{"**unhealthy** at sequence 4", "Hash chain breaks at: [3]", "| USDC | 1.5 |", "| fUSDC | 1 |"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}
