package ledger

import (
	"fmt"
	"strings"
)

// Address identifies a holder of an asset: a depositor, the fund's pool,
// an escrow's custody account or the manager.
type Address string

// ZeroAddress is the issuance boundary. Journals crediting it are mints,
// journals debiting it are burns.
const ZeroAddress Address = ""

func (a Address) IsZero() bool {
	return strings.TrimSpace(string(a)) == ""
}

func (a Address) String() string {
	if a.IsZero() {
		return "0x0"
	}
	return string(a)
}

// AccountKey is the balance key for one holder of one asset.
type AccountKey struct {
	Asset  string
	Holder Address
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s:%s", k.Asset, k.Holder.String())
}

type allowanceKey struct {
	owner   Address
	spender Address
}
