package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ChainOptions parameterise the delegated signer.
type ChainOptions struct {
	RPCURL             string
	ChainID            int64
	PrivateKey         string
	AuthContract       string
	Allowlist          []string
	Timeout            time.Duration
	ReceiptTimeout     time.Duration
	PollInterval       time.Duration
	Confirmations      uint64
	GasLimitMultiplier float64
}

// ChainSigner signs and submits calls with a delegated key over JSON-RPC.
type ChainSigner struct {
	opts      ChainOptions
	logger    zerolog.Logger
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	allowlist map[string]struct{}
	auth      *common.Address

	client    *ethclient.Client
	clientMux sync.Mutex

	// sendMu serialises nonce selection through broadcast; nextNonce is the
	// nonce after the last broadcast, zero until the first send.
	sendMu    sync.Mutex
	nextNonce uint64
}

// NewChainSigner parses the delegated key and authorization settings.
func NewChainSigner(opts ChainOptions, logger zerolog.Logger) (*ChainSigner, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if opts.ChainID <= 0 {
		return nil, errors.New("chain id must be positive")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse delegated signer key: %w", err)
	}

	s := &ChainSigner{
		opts:      opts,
		logger:    logger.With().Str("component", "chain_signer").Logger(),
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:   big.NewInt(opts.ChainID),
		allowlist: make(map[string]struct{}, len(opts.Allowlist)),
	}
	for _, owner := range opts.Allowlist {
		if !common.IsHexAddress(owner) {
			return nil, fmt.Errorf("invalid allowlisted owner %q", owner)
		}
		s.allowlist[strings.ToLower(common.HexToAddress(owner).Hex())] = struct{}{}
	}
	if opts.AuthContract != "" {
		if !common.IsHexAddress(opts.AuthContract) {
			return nil, fmt.Errorf("invalid authorization contract %q", opts.AuthContract)
		}
		addr := common.HexToAddress(opts.AuthContract)
		s.auth = &addr
	}
	return s, nil
}

// Address is the delegated signer's account.
func (s *ChainSigner) Address() common.Address {
	return s.from
}

// Authorized checks the static allowlist first, then the on-chain registry when configured.
func (s *ChainSigner) Authorized(ctx context.Context, owner string) error {
	if !common.IsHexAddress(owner) {
		return fmt.Errorf("invalid owner address %q", owner)
	}
	ownerAddr := common.HexToAddress(owner)
	if _, ok := s.allowlist[strings.ToLower(ownerAddr.Hex())]; ok {
		return nil
	}
	if s.auth == nil {
		return ErrNotAuthorized
	}

	ctx, cancel := s.withTimeout(ctx, s.opts.Timeout)
	defer cancel()

	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}
	payload, err := authorizationABI.Pack("isAuthorized", ownerAddr, s.from)
	if err != nil {
		return err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: s.auth, Data: payload}, nil)
	if err != nil {
		return fmt.Errorf("authorization lookup: %w", err)
	}
	outputs, err := authorizationABI.Unpack("isAuthorized", res)
	if err != nil {
		return fmt.Errorf("decode authorization: %w", err)
	}
	if len(outputs) != 1 {
		return errors.New("unexpected isAuthorized response")
	}
	allowed, ok := outputs[0].(bool)
	if !ok {
		return errors.New("failed to decode isAuthorized output")
	}
	if !allowed {
		return ErrNotAuthorized
	}
	return nil
}

// Simulate performs an eth_call from the delegated account against the latest block.
func (s *ChainSigner) Simulate(ctx context.Context, call Call) error {
	ctx, cancel := s.withTimeout(ctx, s.opts.Timeout)
	defer cancel()

	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}
	_, err = client.CallContract(ctx, s.callMsg(call), nil)
	return err
}

// Submit signs an EIP-1559 transaction, broadcasts it and waits for the configured
// number of confirmations. A receipt that is not observed in time is reported as
// not finalized rather than as an error, since the transaction may still land.
func (s *ChainSigner) Submit(ctx context.Context, call Call) (Receipt, error) {
	sendCtx, cancel := s.withTimeout(ctx, s.opts.Timeout)
	defer cancel()

	client, err := s.getClient(sendCtx)
	if err != nil {
		return Receipt{}, err
	}

	signed, err := s.signAndSend(sendCtx, client, call)
	if err != nil {
		return Receipt{}, err
	}

	hash := signed.Hash()
	s.logger.Info().Str("tx", hash.Hex()).Uint64("nonce", signed.Nonce()).Uint64("gas", signed.Gas()).Msg("transaction broadcast")

	waitCtx, waitCancel := s.withTimeout(ctx, s.opts.ReceiptTimeout)
	defer waitCancel()

	receipt, err := s.waitConfirmed(waitCtx, client, hash)
	if err != nil {
		s.logger.Warn().Err(err).Str("tx", hash.Hex()).Msg("receipt not observed before deadline")
		return Receipt{TxHash: hash.Hex()}, nil
	}
	return Receipt{
		TxHash:      hash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Finalized:   true,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}

// signAndSend picks a nonce, signs and broadcasts call while holding sendMu so
// concurrent remediations never reuse a nonce.
func (s *ChainSigner) signAndSend(ctx context.Context, client *ethclient.Client, call Call) (*types.Transaction, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	// the node may not have seen our previous broadcast yet
	if nonce < s.nextNonce {
		nonce = s.nextNonce
	}
	gas, err := client.EstimateGas(ctx, s.callMsg(call))
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	if m := s.opts.GasLimitMultiplier; m > 1 {
		gas = uint64(float64(gas) * m)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := call.To
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		// resync from the node on the next send
		s.nextNonce = 0
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	s.nextNonce = nonce + 1
	return signed, nil

}

func (s *ChainSigner) waitConfirmed(ctx context.Context, client *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	interval := s.opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		if receipt == nil {
			r, err := client.TransactionReceipt(ctx, hash)
			switch {
			case err == nil:
				receipt = r
			case !errors.Is(err, ethereum.NotFound):
				return nil, err
			}
		}
		if receipt != nil {
			if s.opts.Confirmations <= 1 {
				return receipt, nil
			}
			head, err := client.BlockNumber(ctx)
			if err != nil {
				return nil, err
			}
			if head+1 >= receipt.BlockNumber.Uint64()+s.opts.Confirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *ChainSigner) callMsg(call Call) ethereum.CallMsg {
	to := call.To
	return ethereum.CallMsg{From: s.from, To: &to, Data: call.Data, Value: call.Value}
}

func (s *ChainSigner) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *ChainSigner) getClient(ctx context.Context) (*ethclient.Client, error) {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	client, err := ethclient.DialContext(ctx, s.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

// Close releases the RPC connection.
func (s *ChainSigner) Close() {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

var _ Signer = (*ChainSigner)(nil)
