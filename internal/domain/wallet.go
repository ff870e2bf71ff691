package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AnonymousWallet is the sentinel key used for votes without a wallet.
var AnonymousWallet = common.Address{}.Hex()

// NormalizeWallet trims the wallet key and substitutes fallback when it is
// empty. With canonical set, strings that parse as hex EVM addresses are
// rewritten to their EIP-55 checksum form so that letter-case variants of
// one address dedupe to one vote. Anything else is kept verbatim.
func NormalizeWallet(wallet, fallback string, canonical bool) string {
	w := strings.TrimSpace(wallet)
	if w == "" {
		w = fallback
	}
	if w == "" {
		w = AnonymousWallet
	}
	if canonical && common.IsHexAddress(w) {
		return common.HexToAddress(w).Hex()
	}
	return w
}
