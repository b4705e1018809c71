package venue

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Polygon mainnet contracts used for settlement.
const (
	usdcAddress              = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	conditionalTokensAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	usdcDecimals   = 6
	polygonChainID = 137
)

const erc20ABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

const conditionalTokensABI = `[{"constant":false,"inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"indexSets","type":"uint256[]"}],"name":"redeemPositions","outputs":[],"type":"function"}]`

// ChainClient talks to the settlement chain: reads the USDC balance and
// redeems resolved positions via the ConditionalTokens contract.
type ChainClient struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	address common.Address

	erc20 abi.ABI
	ctf   abi.ABI
}

// NewChainClient dials the RPC endpoint and prepares the signer. The key hex
// comes from the environment and is never logged.
func NewChainClient(rpcURL, privateKeyHex string) (*ChainClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("chain: rpc url not configured")
	}
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}

	c := &ChainClient{eth: eth}
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain: invalid private key: %w", err)
		}
		c.key = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}

	if c.erc20, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		return nil, fmt.Errorf("chain: erc20 abi: %w", err)
	}
	if c.ctf, err = abi.JSON(strings.NewReader(conditionalTokensABI)); err != nil {
		return nil, fmt.Errorf("chain: conditional tokens abi: %w", err)
	}

	log.Info().Str("address", c.address.Hex()).Msg("⛓️ Chain client connected")
	return c, nil
}

// USDCBalance reads the wallet's USDC balance.
func (c *ChainClient) USDCBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := c.erc20.Pack("balanceOf", c.address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	token := common.HexToAddress(usdcAddress)
	out, err := c.eth.CallContract(ctx, ethereumCallMsg(token, data), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: balanceOf call: %w", err)
	}
	raw := new(big.Int).SetBytes(out)
	return decimal.NewFromBigInt(raw, -usdcDecimals), nil
}

// RedeemPositions redeems both index sets of a resolved binary condition.
// The losing side redeems for zero so sending both is harmless.
func (c *ChainClient) RedeemPositions(ctx context.Context, conditionID string) error {
	if c.key == nil {
		return fmt.Errorf("chain: no signing key configured")
	}

	indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}
	data, err := c.ctf.Pack("redeemPositions",
		common.HexToAddress(usdcAddress),
		[32]byte{}, // parent collection: root
		common.HexToHash(conditionID),
		indexSets,
	)
	if err != nil {
		return fmt.Errorf("chain: pack redeemPositions: %w", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("chain: gas price: %w", err)
	}

	to := common.HexToAddress(conditionalTokensAddress)
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      200_000,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(big.NewInt(polygonChainID)), c.key)
	if err != nil {
		return fmt.Errorf("chain: sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("chain: send redeem tx: %w", err)
	}

	log.Info().
		Str("tx", signed.Hash().Hex()).
		Str("condition", conditionID).
		Msg("💰 Redemption submitted")
	return nil
}

func ethereumCallMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}

// Close releases the RPC connection.
func (c *ChainClient) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}
