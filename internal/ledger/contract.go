package ledger

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
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// escrowABI covers the subset of the escrow contract the coordinator calls.
const escrowABI = `[
	{"inputs":[{"name":"externalId","type":"string"},{"name":"seller","type":"address"},{"name":"buyer","type":"address"},{"name":"amount","type":"uint256"}],"name":"createDeal","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"","type":"string"}],"name":"externalIdToDealId","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"","type":"uint256"}],"name":"deals","outputs":[{"name":"externalId","type":"string"},{"name":"seller","type":"address"},{"name":"buyer","type":"address"},{"name":"amount","type":"uint256"},{"name":"status","type":"uint8"},{"name":"createdAt","type":"uint256"},{"name":"completedAt","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"dealId","type":"uint256"}],"name":"dispute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"dealId","type":"uint256"}],"name":"resolveRelease","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"dealId","type":"uint256"}],"name":"refund","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationTimeout bounds waiting for a receipt.
	DefaultConfirmationTimeout = 60 * time.Second

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second
)

// Config for connecting to the escrow contract.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x prefix
	ChainID    int64
	Contract   string
}

// Option configures the contract client.
type Option func(*Contract)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(c *Contract) { c.client = client }
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Contract) { c.pollInterval = d }
}

// WithConfirmationTimeout overrides how long writes wait for a receipt.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(c *Contract) { c.confirmTimeout = d }
}

// Contract is the go-ethereum backed Client. The configured key must be the
// contract's operator for dispute, resolveRelease and refund.
type Contract struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	address        common.Address
	abi            abi.ABI
	pollInterval   time.Duration
	confirmTimeout time.Duration

	sendMu sync.Mutex // serializes nonce allocation
}

var _ Client = (*Contract)(nil)

// NewContract creates a contract client and dials the RPC endpoint unless a
// client was supplied.
func NewContract(cfg Config, opts ...Option) (*Contract, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidKey)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Contract{
		privateKey:     key,
		from:           crypto.PubkeyToAddress(*pub),
		chainID:        big.NewInt(cfg.ChainID),
		address:        common.HexToAddress(cfg.Contract),
		abi:            parsed,
		pollInterval:   DefaultPollInterval,
		confirmTimeout: DefaultConfirmationTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrUnavailable)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("%w: escrow contract %q", ErrInvalidAddress, cfg.Contract)
	}
	return nil
}

// Operator returns the address that signs ledger writes.
func (c *Contract) Operator() string {
	return c.from.Hex()
}

// Close releases the RPC connection.
func (c *Contract) Close() {
	c.client.Close()
}

// Ping checks RPC reachability.
func (c *Contract) Ping(ctx context.Context) error {
	if _, err := c.client.NetworkID(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CreateEscrow registers a new escrow for externalID.
func (c *Contract) CreateEscrow(ctx context.Context, externalID, seller, buyer string, amount *big.Int) (*Receipt, error) {
	if !common.IsHexAddress(seller) || !common.IsHexAddress(buyer) {
		return nil, ErrInvalidAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	data, err := c.abi.Pack("createDeal", externalID, common.HexToAddress(seller), common.HexToAddress(buyer), amount)
	if err != nil {
		return nil, &TxError{Op: "pack", Err: err}
	}
	return c.transact(ctx, "createDeal", data)
}

// GetEscrow reads the contract state for externalID. A deal the contract has
// never seen returns Exists=false without error.
func (c *Contract) GetEscrow(ctx context.Context, externalID string) (*Escrow, error) {
	id, err := c.lookupID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if id.Sign() == 0 {
		return &Escrow{Exists: false, ExternalID: externalID}, nil
	}

	out, err := c.call(ctx, "deals", id)
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, &TxError{Op: "deals", Err: fmt.Errorf("unexpected output arity %d", len(out))}
	}

	ext, _ := out[0].(string)
	seller, _ := out[1].(common.Address)
	buyer, _ := out[2].(common.Address)
	amount, _ := out[3].(*big.Int)
	status, _ := out[4].(uint8)
	created, _ := out[5].(*big.Int)
	completed, _ := out[6].(*big.Int)

	return &Escrow{
		Exists:      true,
		ID:          id,
		ExternalID:  ext,
		Seller:      seller.Hex(),
		Buyer:       buyer.Hex(),
		Amount:      amount,
		Status:      StatusCode(status),
		CreatedAt:   unixTime(created),
		CompletedAt: unixTime(completed),
	}, nil
}

// MarkDisputed flags the escrow as disputed on chain.
func (c *Contract) MarkDisputed(ctx context.Context, externalID string) (*Receipt, error) {
	return c.writeByID(ctx, "dispute", externalID)
}

// ResolveRelease pays the seller.
func (c *Contract) ResolveRelease(ctx context.Context, externalID string) (*Receipt, error) {
	return c.writeByID(ctx, "resolveRelease", externalID)
}

// ResolveRefund returns funds to the buyer.
func (c *Contract) ResolveRefund(ctx context.Context, externalID string) (*Receipt, error) {
	return c.writeByID(ctx, "refund", externalID)
}

func (c *Contract) writeByID(ctx context.Context, method, externalID string) (*Receipt, error) {
	id, err := c.lookupID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if id.Sign() == 0 {
		return nil, &TxError{Op: method, Err: ErrNotFound}
	}
	data, err := c.abi.Pack(method, id)
	if err != nil {
		return nil, &TxError{Op: "pack", Err: err}
	}
	return c.transact(ctx, method, data)
}

func (c *Contract) lookupID(ctx context.Context, externalID string) (*big.Int, error) {
	out, err := c.call(ctx, "externalIdToDealId", externalID)
	if err != nil {
		return nil, err
	}
	id, ok := out[0].(*big.Int)
	if !ok || id == nil {
		return big.NewInt(0), nil
	}
	return id, nil
}

func (c *Contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, &TxError{Op: "pack", Err: err}
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, &TxError{Op: method, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, &TxError{Op: method, Err: fmt.Errorf("unpack: %w", err)}
	}
	if len(out) == 0 {
		return nil, &TxError{Op: method, Err: errors.New("empty result")}
	}
	return out, nil
}

// transact signs, sends and waits for the transaction to be mined.
func (c *Contract) transact(ctx context.Context, op string, data []byte) (*Receipt, error) {
	signed, err := c.send(ctx, op, data)
	if err != nil {
		return nil, err
	}
	return c.WaitForConfirmation(ctx, signed.Hash().Hex())
}

func (c *Contract) send(ctx context.Context, op string, data []byte) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, &TxError{Op: op + ":nonce", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: op + ":gas_price", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &c.address,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// a revert during estimation means the contract would reject the call
		if isRevert(err) {
			return nil, &TxError{Op: op, Err: fmt.Errorf("%w: %v", ErrReverted, err)}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.address, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &TxError{Op: op + ":sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return nil, &TxError{Op: op, TxHash: signed.Hash().Hex(), Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	return signed, nil
}

// WaitForConfirmation polls for the receipt of txHash until it is mined, the
// confirmation timeout passes or ctx ends.
func (c *Contract) WaitForConfirmation(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrUnconfirmed}
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not mined yet
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrReverted}
			}
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			return &Receipt{TxHash: txHash, BlockNumber: block, GasUsed: receipt.GasUsed}, nil
		}
	}
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
