// Command fundctl is an operator client for a running fundledger.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	app := &app{}
	flag.StringVar(&app.addr, "addr", envOr("FUNDCTL_ADDR", "http://localhost:8080"), "fundledger HTTP address")
	flag.StringVar(&app.token, "token", os.Getenv("FUNDCTL_TOKEN"), "bearer token")
	flag.StringVar(&app.format.currency, "currency", envOr("FUND_CURRENCY", "USD"), "display currency of the base asset")
	flag.IntVar(&app.format.decimals, "decimals", 6, "base asset decimals")

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	for _, c := range app.commands() {
		commander.Register(c, "")
	}

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
