package blockchain

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// matchOutputs finds the first output paying a watched address and sums every
// output of the transaction paying that same address.
func matchOutputs(tx *wire.MsgTx, params *chaincfg.Params, watched func(address string) bool) (string, int64, bool) {
	var target string
	var amount int64
	for _, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			encoded := addr.EncodeAddress()
			if target == "" && watched(encoded) {
				target = encoded
			}
			if encoded == target {
				amount += out.Value
				break
			}
		}
	}
	return target, amount, target != ""
}
