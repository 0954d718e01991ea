package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"FundLedger/internal/command"
	"FundLedger/internal/core"
	"FundLedger/internal/ledger"
	"FundLedger/internal/query"
	"FundLedger/internal/server"

	"github.com/google/subcommands"
	"github.com/google/uuid"
)

func (a *app) commands() []subcommands.Command {
	return []subcommands.Command{
		&statusCmd{app: a},
		&accountCmd{app: a},
		&escrowsCmd{app: a},
		&previewCmd{app: a},
		&execCmd{app: a},
		&clawbackCmd{app: a},
		&integrityCmd{app: a},
		&tokenCmd{},
	}
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return subcommands.ExitFailure
}

func usageError(msg string) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	return subcommands.ExitUsageError
}

// === status ===

type statusCmd struct {
	app  *app
	json bool
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show the fund's totals, prices and log position" }
func (*statusCmd) Usage() string {
	return `fundctl status [-json]

  Displays the fund view evaluated at the server's current time.
`
}

func (c *statusCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.json, "json", false, "print the raw JSON response")
}

func (c *statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.json {
		var raw json.RawMessage
		if err := c.app.get(ctx, "/v1/fund", &raw); err != nil {
			return fail(err)
		}
		fmt.Println(string(raw))
		return subcommands.ExitSuccess
	}
	var st server.FundStatus
	if err := c.app.get(ctx, "/v1/fund", &st); err != nil {
		return fail(err)
	}
	printMarkdown(statusMarkdown(st, c.app.format))
	return subcommands.ExitSuccess
}

// === account ===

type accountCmd struct {
	app *app
}

func (*accountCmd) Name() string     { return "account" }
func (*accountCmd) Synopsis() string { return "show an address's assets, shares and limits" }
func (*accountCmd) Usage() string {
	return `fundctl account <address>
`
}
func (*accountCmd) SetFlags(*flag.FlagSet) {}

func (c *accountCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return usageError("account takes exactly one address")
	}
	var st server.FundStatus
	if err := c.app.get(ctx, "/v1/fund", &st); err != nil {
		return fail(err)
	}
	var v core.AccountView
	if err := c.app.get(ctx, "/v1/accounts/"+url.PathEscape(f.Arg(0)), &v); err != nil {
		return fail(err)
	}
	printMarkdown(accountMarkdown(v, st.ShareSymbol, c.app.format))
	return subcommands.ExitSuccess
}

// === escrows ===

type escrowsCmd struct {
	app       *app
	status    string
	recipient string
}

func (*escrowsCmd) Name() string     { return "escrows" }
func (*escrowsCmd) Synopsis() string { return "list escrows" }
func (*escrowsCmd) Usage() string {
	return `fundctl escrows [-status active|expired] [-recipient <address>]
`
}

func (c *escrowsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.status, "status", "", "filter: active or expired")
	f.StringVar(&c.recipient, "recipient", "", "only escrows paying this address")
}

func (c *escrowsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	q := url.Values{}
	if c.status != "" {
		q.Set("status", c.status)
	}
	if c.recipient != "" {
		q.Set("recipient", c.recipient)
	}
	path := "/v1/escrows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Escrows []core.EscrowView `json:"escrows"`
	}
	if err := c.app.get(ctx, path, &out); err != nil {
		return fail(err)
	}
	printMarkdown(escrowsMarkdown(out.Escrows, c.app.format))
	return subcommands.ExitSuccess
}

// === preview ===

type previewCmd struct {
	app *app
}

func (*previewCmd) Name() string     { return "preview" }
func (*previewCmd) Synopsis() string { return "preview a deposit, mint, withdraw or redeem" }
func (*previewCmd) Usage() string {
	return `fundctl preview <deposit|mint|withdraw|redeem> <amount>

  Amounts are raw units: assets for deposit and withdraw, shares for
  mint and redeem.
`
}
func (*previewCmd) SetFlags(*flag.FlagSet) {}

func (c *previewCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		return usageError("preview takes a kind and an amount")
	}
	var p server.PreviewResponse
	path := fmt.Sprintf("/v1/preview/%s?amount=%s", url.PathEscape(f.Arg(0)), url.QueryEscape(f.Arg(1)))
	if err := c.app.get(ctx, path, &p); err != nil {
		return fail(err)
	}
	fmt.Printf("%s %s -> %s\n", p.Kind, p.Amount.Dec(), p.Result.Dec())
	return subcommands.ExitSuccess
}

// === exec ===

type execCmd struct {
	app    *app
	id     string
	caller string
	at     string
}

func (*execCmd) Name() string     { return "exec" }
func (*execCmd) Synopsis() string { return "submit a command" }
func (*execCmd) Usage() string {
	return fmt.Sprintf(`fundctl exec [-id <key>] [-caller <address>] [-at <RFC3339>] <Type> [field=string | field:=json]...

  Submits one command. Fields use field=value for strings and field:=value
  for raw JSON, for example:

    fundctl exec -caller alice Deposit assets=1000000
    fundctl exec -caller manager ReleaseMilestones escrow:=3 indices:=[0,1]

  Types: %s
`, strings.Join(typeNames(), ", "))
}

func (c *execCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.id, "id", "", "idempotency key (default: random UUID)")
	f.StringVar(&c.caller, "caller", "", "caller address; ignored by the server when a token is used")
	f.StringVar(&c.at, "at", "", "command timestamp (default: server time)")
}

func (c *execCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		return usageError("exec needs a command type")
	}
	typ, err := command.ParseType(f.Arg(0))
	if err != nil {
		return usageError(err.Error())
	}
	body, err := commandBody(f.Args()[1:])
	if err != nil {
		return usageError(err.Error())
	}
	if err := c.header(body); err != nil {
		return usageError(err.Error())
	}
	return submit(ctx, c.app, typ, body)
}

func (c *execCmd) header(body map[string]any) error {
	id := c.id
	if id == "" {
		id = uuid.NewString()
	}
	body["id"] = id
	if c.caller != "" {
		body["caller"] = c.caller
	}
	if c.at != "" {
		at, err := time.Parse(time.RFC3339Nano, c.at)
		if err != nil {
			return fmt.Errorf("-at: %w", err)
		}
		body["timestamp"] = at.UTC()
	}
	return nil
}

// commandBody parses field=string and field:=json arguments.
func commandBody(args []string) (map[string]any, error) {
	body := make(map[string]any, len(args)+3)
	for _, arg := range args {
		if k, v, ok := strings.Cut(arg, ":="); ok && k != "" && !strings.Contains(k, "=") {
			var raw json.RawMessage
			if err := json.Unmarshal([]byte(v), &raw); err != nil {
				return nil, fmt.Errorf("field %s: invalid JSON %q", k, v)
			}
			body[k] = raw
			continue
		}
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not field=value or field:=json", arg)
		}
		body[k] = v
	}
	return body, nil
}

func typeNames() []string {
	types := command.Types()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func submit(ctx context.Context, a *app, typ command.Type, body map[string]any) subcommands.ExitStatus {
	var res core.Result
	if err := a.post(ctx, "/v1/commands/"+string(typ), body, &res); err != nil {
		return fail(err)
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	return subcommands.ExitSuccess
}

// === clawback-expired ===

type clawbackCmd struct {
	app    *app
	caller string
}

func (*clawbackCmd) Name() string { return "clawback-expired" }
func (*clawbackCmd) Synopsis() string {
	return "return the unreleased balance of every expired escrow to its custodian"
}
func (*clawbackCmd) Usage() string {
	return `fundctl clawback-expired [-caller <address>]
`
}

func (c *clawbackCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.caller, "caller", "", "caller address when no token is used")
}

func (c *clawbackCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	body := map[string]any{"id": uuid.NewString()}
	if c.caller != "" {
		body["caller"] = c.caller
	}
	return submit(ctx, c.app, command.TypeAutoClawbackExpired, body)
}

// === token ===

type tokenCmd struct {
	secret string
	ttl    time.Duration
}

func (*tokenCmd) Name() string     { return "token" }
func (*tokenCmd) Synopsis() string { return "mint a bearer token for an address" }
func (*tokenCmd) Usage() string {
	return `fundctl token [-secret <s>] [-ttl 1h] <address>

  Signs a token with the server's shared secret (FUND_JWT_SECRET).
`
}

func (c *tokenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.secret, "secret", os.Getenv("FUND_JWT_SECRET"), "shared HS256 secret")
	f.DurationVar(&c.ttl, "ttl", time.Hour, "token lifetime")
}

func (c *tokenCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return usageError("token takes exactly one address")
	}
	auth := server.NewAuthenticator(c.secret)
	if !auth.Enabled() {
		return usageError("a secret is required")
	}
	tok, err := auth.Issue(ledger.Address(f.Arg(0)), c.ttl)
	if err != nil {
		return fail(errors.Join(errors.New("issue token"), err))
	}
	fmt.Println(tok)
	return subcommands.ExitSuccess
}

// === integrity ===

type integrityCmd struct {
	app *app
}

func (*integrityCmd) Name() string     { return "integrity" }
func (*integrityCmd) Synopsis() string { return "verify the persisted hash chain and journal" }
func (*integrityCmd) Usage() string {
	return `fundctl integrity

  Walks the whole persisted log on the server. Exits non-zero when the
  report is unhealthy.
`
}
func (*integrityCmd) SetFlags(*flag.FlagSet) {}

func (c *integrityCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var r query.IntegrityReport
	if err := c.app.get(ctx, "/v1/admin/integrity", &r); err != nil {
		return fail(err)
	}
	printMarkdown(integrityMarkdown(r, c.app.format))
	if !r.IsHealthy {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
