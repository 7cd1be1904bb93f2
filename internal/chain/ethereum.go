package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/xerrors"
)

const transferGasLimit = 21000

var reAddress = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")

func ValidAddress(addr string) bool {
	return reAddress.MatchString(addr)
}

// EthClient transfers native value on an EVM chain from custodial sender
// accounts whose keys are supplied by configuration. Amounts are in wei.
type EthClient struct {
	client  *ethclient.Client
	chainID *big.Int
	keys    map[string]*ecdsa.PrivateKey

	// serializes nonce allocation per process
	lk sync.Mutex
}

func DialEth(ctx context.Context, rpcUrl string, hexKeys []string) (*EthClient, error) {
	keys, err := ParseKeys(hexKeys)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, rpcUrl)
	if err != nil {
		return nil, xerrors.Errorf("dial %s: %w", rpcUrl, ErrNetwork)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, xerrors.Errorf("read chain id: %v: %w", err, ErrNetwork)
	}
	return &EthClient{client: client, chainID: chainID, keys: keys}, nil
}

// ParseKeys loads hex private keys and indexes them by lower-cased address.
func ParseKeys(hexKeys []string) (map[string]*ecdsa.PrivateKey, error) {
	keys := make(map[string]*ecdsa.PrivateKey, len(hexKeys))
	for i, h := range hexKeys {
		k, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(h), "0x"))
		if err != nil {
			return nil, xerrors.Errorf("private key #%d: %w", i, err)
		}
		addr := crypto.PubkeyToAddress(k.PublicKey).Hex()
		keys[strings.ToLower(addr)] = k
	}
	return keys, nil
}

func (c *EthClient) SubmitTransfer(ctx context.Context, sender, receiver string, amount int64) (string, error) {
	tr, err := c.PrepareTransfer(ctx, sender, receiver, amount)
	if err != nil {
		return "", err
	}
	if err := tr.Send(ctx); err != nil {
		return "", err
	}
	return tr.Ref(), nil
}

type ethTransfer struct {
	client *ethclient.Client
	tx     *types.Transaction
}

func (t *ethTransfer) Ref() string {
	return t.tx.Hash().Hex()
}

func (t *ethTransfer) Send(ctx context.Context) error {
	if err := t.client.SendTransaction(ctx, t.tx); err != nil {
		return classify("send transaction", err)
	}
	return nil
}

// PrepareTransfer signs a transfer without broadcasting it. The transaction
// hash is its reference.
func (c *EthClient) PrepareTransfer(ctx context.Context, sender, receiver string, amount int64) (Transfer, error) {
	if !ValidAddress(sender) || !ValidAddress(receiver) {
		return nil, xerrors.Errorf("transfer %s -> %s: %w", sender, receiver, ErrInvalidAccount)
	}
	if amount <= 0 {
		return nil, xerrors.Errorf("transfer amount %d: %w", amount, ErrInvalidAccount)
	}
	key, ok := c.keys[strings.ToLower(sender)]
	if !ok {
		return nil, xerrors.Errorf("no custodial key for %s: %w", sender, ErrInvalidAccount)
	}

	c.lk.Lock()
	defer c.lk.Unlock()

	from := common.HexToAddress(sender)
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify("pending nonce", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify("gas price", err)
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(receiver), big.NewInt(amount), transferGasLimit, gasPrice, nil)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return nil, xerrors.Errorf("sign transfer: %v: %w", err, ErrInvalidAccount)
	}
	return &ethTransfer{client: c.client, tx: signedTx}, nil
}

func (c *EthClient) Confirm(ctx context.Context, txRef string) (Status, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusPending, nil
		}
		return StatusPending, classify("transaction receipt", err)
	}
	if receipt != nil && receipt.Status == types.ReceiptStatusSuccessful {
		return StatusConfirmed, nil
	}
	return StatusFailed, nil
}

func (c *EthClient) Close() {
	c.client.Close()
}

// classify maps a JSON-RPC error onto the chain error taxonomy. Anything not
// recognized as permanent is treated as a network error.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return xerrors.Errorf("%s: %v: %w", op, err, ErrInsufficientFunds)
	case strings.Contains(msg, "invalid sender"), strings.Contains(msg, "invalid address"):
		return xerrors.Errorf("%s: %v: %w", op, err, ErrInvalidAccount)
	}
	return xerrors.Errorf("%s: %v: %w", op, err, ErrNetwork)
}
