package executor

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"trove-guardian/internal/remediation"
)

const borrowerOperationsABIJSON = `[
{"inputs":[{"internalType":"uint256","name":"_troveId","type":"uint256"},{"internalType":"uint256","name":"_collChange","type":"uint256"}],"name":"addColl","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"uint256","name":"_troveId","type":"uint256"},{"internalType":"uint256","name":"_newAnnualInterestRate","type":"uint256"},{"internalType":"uint256","name":"_upperHint","type":"uint256"},{"internalType":"uint256","name":"_lowerHint","type":"uint256"},{"internalType":"uint256","name":"_maxUpfrontFee","type":"uint256"}],"name":"adjustTroveInterestRate","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const authorizationABIJSON = `[{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"delegate","type":"address"}],"name":"isAuthorized","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`

var (
	borrowerOperationsABI abi.ABI
	authorizationABI      abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(borrowerOperationsABIJSON))
	if err != nil {
		panic("failed to parse borrower operations ABI: " + err.Error())
	}
	borrowerOperationsABI = parsed

	parsed, err = abi.JSON(strings.NewReader(authorizationABIJSON))
	if err != nil {
		panic("failed to parse authorization ABI: " + err.Error())
	}
	authorizationABI = parsed
}

// Call is an encoded contract call ready for simulation or submission.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Receipt reports what happened to a submitted call.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Finalized   bool
	Success     bool
}

// CallEncoder packs operations against per-branch borrower operations contracts.
type CallEncoder struct {
	branches      map[int]common.Address
	maxUpfrontFee *big.Int
}

// NewCallEncoder validates the branch address table.
func NewCallEncoder(branches map[int]string, maxUpfrontFee *big.Int) (*CallEncoder, error) {
	table := make(map[int]common.Address, len(branches))
	for idx, addr := range branches {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("branch %d: invalid borrower operations address %q", idx, addr)
		}
		table[idx] = common.HexToAddress(addr)
	}
	if maxUpfrontFee == nil {
		maxUpfrontFee = new(big.Int)
	}
	return &CallEncoder{branches: table, maxUpfrontFee: maxUpfrontFee}, nil
}

// Encode implements Encoder.
func (c *CallEncoder) Encode(op Operation) (Call, error) {
	target, ok := c.branches[op.BranchIndex]
	if !ok {
		return Call{}, fmt.Errorf("no borrower operations contract for branch %d", op.BranchIndex)
	}
	troveID, err := ParseTroveID(op.TroveID)
	if err != nil {
		return Call{}, err
	}

	var data []byte
	switch op.Kind {
	case remediation.ActionAdjustCollateral:
		if op.CollateralDelta == nil || op.CollateralDelta.Sign() <= 0 {
			return Call{}, errors.New("collateral delta must be positive")
		}
		data, err = borrowerOperationsABI.Pack("addColl", troveID, op.CollateralDelta)
	case remediation.ActionAdjustRate:
		wad := rateToWad(op.NewRate)
		if wad.Sign() <= 0 {
			return Call{}, errors.New("new interest rate must be positive")
		}
		data, err = borrowerOperationsABI.Pack("adjustTroveInterestRate",
			troveID, wad, new(big.Int), new(big.Int), new(big.Int).Set(c.maxUpfrontFee))
	default:
		return Call{}, fmt.Errorf("unsupported operation %q", op.Kind)
	}
	if err != nil {
		return Call{}, err
	}
	return Call{To: target, Data: data, Value: new(big.Int)}, nil
}

// ParseTroveID accepts decimal or 0x-prefixed hex trove identifiers.
func ParseTroveID(id string) (*big.Int, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("trove id is empty")
	}
	value := new(big.Int)
	var ok bool
	if strings.HasPrefix(id, "0x") || strings.HasPrefix(id, "0X") {
		_, ok = value.SetString(id[2:], 16)
	} else {
		_, ok = value.SetString(id, 10)
	}
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid trove id %q", id)
	}
	return value, nil
}

var _ Encoder = (*CallEncoder)(nil)
