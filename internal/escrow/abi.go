// Package escrow implements the swap escrow on an EVM chain.
//
// The contract holds tokens under a payment hash and an expiry. Funds go to
// the claimer against a witness (a Lightning preimage or a Bitcoin
// transaction proof), or back to the offerer once the expiry has passed.
package escrow

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABI is the interface of the escrow contract.
const escrowABI = `[
  {"type":"function","name":"lock","stateMutability":"payable","inputs":[
    {"name":"escrowId","type":"bytes32"},
    {"name":"offerer","type":"address"},
    {"name":"claimer","type":"address"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"paymentHash","type":"bytes32"},
    {"name":"expiry","type":"uint256"},
    {"name":"kind","type":"uint8"},
    {"name":"securityDeposit","type":"uint256"},
    {"name":"claimerBounty","type":"uint256"},
    {"name":"authorization","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
    {"name":"escrowId","type":"bytes32"},
    {"name":"witness","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"escrowId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getState","stateMutability":"view","inputs":[
    {"name":"escrowId","type":"bytes32"}],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"event","name":"EscrowLocked","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true},
    {"name":"offerer","type":"address","indexed":true},
    {"name":"claimer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowClaimed","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true},
    {"name":"witness","type":"bytes","indexed":false}]},
  {"type":"event","name":"EscrowRefunded","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true}]}
]`

// erc20ABI covers the calls needed to fund an outgoing lock.
const erc20ABI = `[
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},{"name":"spender","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
    "outputs":[{"name":"","type":"bool"}]}
]`

var (
	parsedEscrowABI = mustParseABI(escrowABI)
	parsedERC20ABI  = mustParseABI(erc20ABI)

	// idArgs is the abi.encode layout hashed into an escrow id.
	idArgs = abi.Arguments{
		{Type: mustType("address")}, // offerer
		{Type: mustType("address")}, // claimer
		{Type: mustType("address")}, // token
		{Type: mustType("uint256")}, // amount
		{Type: mustType("bytes32")}, // payment hash
		{Type: mustType("uint256")}, // expiry
		{Type: mustType("bytes32")}, // nonce
	}

	// txProofArgs is the witness layout for on-chain claims.
	txProofArgs = abi.Arguments{
		{Type: mustType("bytes32")}, // bitcoin txid
		{Type: mustType("uint32")},  // confirmations
	}
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("escrow: invalid abi: " + err.Error())
	}
	return parsed
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("escrow: invalid abi type " + t + ": " + err.Error())
	}
	return typ
}
