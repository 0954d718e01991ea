package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"FundLedger/internal/core"
	"FundLedger/internal/query"
	"FundLedger/internal/server"

	"github.com/Rhymond/go-money"
	"github.com/charmbracelet/glamour"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// amountFormat renders raw base-asset units in a display currency.
type amountFormat struct {
	currency string
	decimals int
}

// units converts raw units to major units.
func (f amountFormat) units(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -int32(f.decimals))
}

// money formats v with the currency's symbol and minor units, rounding down.
// Currencies go-money does not know, and amounts beyond int64 minor units,
// fall back to a plain decimal.
func (f amountFormat) money(v *uint256.Int) string {
	if v == nil {
		return "-"
	}
	d := f.units(v)
	cur := money.GetCurrency(f.currency)
	if cur == nil {
		return d.String() + " " + f.currency
	}
	minor := d.Shift(int32(cur.Fraction)).Truncate(0)
	if !minor.BigInt().IsInt64() {
		return d.StringFixed(int32(cur.Fraction)) + " " + cur.Code
	}
	return money.New(minor.IntPart(), cur.Code).Display()
}

// shares formats a share amount using the base asset's scale.
func (f amountFormat) shares(v *uint256.Int, symbol string) string {
	if v == nil {
		return "-"
	}
	return f.units(v).String() + " " + symbol
}

func statusMarkdown(st server.FundStatus, f amountFormat) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Fund `%s`\n\n", st.Address)
	if st.Halted != "" {
		fmt.Fprintf(&b, "> **HALTED**: %s\n\n", st.Halted)
	}
	if st.Paused {
		b.WriteString("> Deposits and withdrawals are **paused**.\n\n")
	}

	b.WriteString("| | |\n|---|---|\n")
	row := func(k, v string) { fmt.Fprintf(&b, "| %s | %s |\n", k, v) }
	row("Asset", st.Asset)
	row("Owner", string(st.Owner))
	row("Manager", string(st.Manager))
	row("Total assets", f.money(st.TotalAssets))
	row("Total supply", f.shares(st.TotalSupply, st.ShareSymbol))
	row("Share price", st.SharePriceDecimal)
	row("High-water mark", st.HighWaterMarkDecimal)
	row("Reserve required", f.money(st.ReserveRequired))
	row("Available liquidity", f.money(st.AvailableLiquidity))
	row("Pending management fees", f.money(st.PendingFees))
	row("Last fee collection", st.LastFeeCollection.UTC().Format("2006-01-02 15:04:05Z"))
	row("Escrows", fmt.Sprint(st.Escrows))
	row("Sequence", fmt.Sprint(st.Sequence))
	row("State hash", "`"+shortHash(st.StateHash)+"`")
	return b.String()
}

func accountMarkdown(v core.AccountView, symbol string, f amountFormat) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Account `%s`\n\n", v.Address)
	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Assets | %s |\n", f.money(v.Assets))
	fmt.Fprintf(&b, "| Shares | %s |\n", f.shares(v.Shares, symbol))
	fmt.Fprintf(&b, "| Share value | %s |\n", f.money(v.ShareValue))
	fmt.Fprintf(&b, "| Max withdraw | %s |\n", f.money(v.MaxWithdraw))
	fmt.Fprintf(&b, "| Max redeem | %s |\n", f.shares(v.MaxRedeem, symbol))
	fmt.Fprintf(&b, "| Fund allowance | %s |\n", f.money(v.FundAllowed))
	return b.String()
}

func escrowsMarkdown(list []core.EscrowView, f amountFormat) string {
	if len(list) == 0 {
		return "_No escrows._\n"
	}
	var b strings.Builder
	b.WriteString("| Escrow | Recipient | Status | Deadline | Total | Released | Unreleased | Expired |\n")
	b.WriteString("|---|---|---|---|---:|---:|---:|---|\n")
	for _, e := range list {
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %s | %s | %v |\n",
			e.Handle, e.Recipient, e.Status,
			e.Deadline.UTC().Format("2006-01-02"),
			f.money(e.Total), f.money(e.TotalReleased), f.money(e.Unreleased),
			e.Expired)
	}
	return b.String()
}

func integrityMarkdown(r query.IntegrityReport, f amountFormat) string {
	var b strings.Builder
	if r.IsHealthy {
		fmt.Fprintf(&b, "# Log healthy at sequence %d\n\n", r.AsOfSequence)
	} else {
		fmt.Fprintf(&b, "# Log **unhealthy** at sequence %d\n\n", r.AsOfSequence)
	}
	fmt.Fprintf(&b, "- Commands: %d\n- Journal entries: %d\n", r.Commands, r.Journals)
	if len(r.SequenceGaps) > 0 {
		fmt.Fprintf(&b, "- Missing sequences: %v\n", r.SequenceGaps)
	}
	if len(r.HashChainBreaks) > 0 {
		fmt.Fprintf(&b, "- Hash chain breaks at: %v\n", r.HashChainBreaks)
	}
	for _, o := range r.OverdrawnAccounts {
		fmt.Fprintf(&b, "- `%s` overdrawn in %s at sequence %d\n", o.Account, o.Asset, o.Sequence)
	}

	assets := make([]string, 0, len(r.Supply))
	for a := range r.Supply {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	if len(assets) > 0 {
		b.WriteString("\n| Asset | Supply |\n|---|---:|\n")
		for _, a := range assets {
			fmt.Fprintf(&b, "| %s | %s |\n", a, f.units(r.Supply[a]).String())
		}
	}
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "…"
	}
	return h
}

func printMarkdown(md string) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err == nil {
		if out, err := r.Render(md); err == nil {
			fmt.Fprint(os.Stdout, out)
			return
		}
	}
	fmt.Fprint(os.Stdout, md)
}
