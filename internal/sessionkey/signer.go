package sessionkey

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/vaultline/payguard/internal/chain"
)

// SignedAuthorization is an EIP-3009 TransferWithAuthorization signature
// ready for submission. The typed-data domain binds it to one asset
// contract on one chain, and validBefore binds it to the grant's expiry —
// this is the cryptographic enforcement boundary, independent of the
// application-level spend ledger.
type SignedAuthorization struct {
	ChainID     string `json:"chainId"`
	Asset       string `json:"asset"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

// Marshal returns the JSON form stored alongside the payment.
func (a *SignedAuthorization) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

func transferAuthTypedData(c *chain.Chain, from, to common.Address, value *big.Int, validAfter, validBefore int64, nonce [32]byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              c.DomainName,
			Version:           c.DomainVersion,
			ChainId:           math.NewHexOrDecimal256(c.NumericID),
			VerifyingContract: c.Asset().Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          to.Hex(),
			"value":       value.String(),
			"validAfter":  big.NewInt(validAfter).String(),
			"validBefore": big.NewInt(validBefore).String(),
			"nonce":       hexutil.Encode(nonce[:]),
		},
	}
}

// signTransferAuthorization signs an EIP-3009 transfer authorization with
// the delegated key. The Ethereum recovery id offset (+27) is applied so
// the signature verifies on chain.
func signTransferAuthorization(priv *ecdsa.PrivateKey, c *chain.Chain, to common.Address, value *big.Int, validAfter, validBefore int64) (*SignedAuthorization, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate authorization nonce: %w", err)
	}

	from := crypto.PubkeyToAddress(priv.PublicKey)
	typedData := transferAuthTypedData(c, from, to, value, validAfter, validBefore, nonce)

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	sig[64] += 27

	return &SignedAuthorization{
		ChainID:     c.ID,
		Asset:       c.Asset().Hex(),
		From:        from.Hex(),
		To:          to.Hex(),
		Value:       value.String(),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       hexutil.Encode(nonce[:]),
		Signature:   hexutil.Encode(sig),
	}, nil
}

// RecoverSigner recovers the address that produced a SignedAuthorization.
// Used to verify delegated signatures without an on-chain call.
func RecoverSigner(a *SignedAuthorization, c *chain.Chain) (common.Address, error) {
	sig, err := hexutil.Decode(a.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok {
		return common.Address{}, fmt.Errorf("invalid value %q", a.Value)
	}
	nonceBytes, err := hexutil.Decode(a.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return common.Address{}, fmt.Errorf("invalid nonce %q", a.Nonce)
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	typedData := transferAuthTypedData(
		c, common.HexToAddress(a.From), common.HexToAddress(a.To),
		value, a.ValidAfter, a.ValidBefore, nonce,
	)
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Address{}, fmt.Errorf("hash typed data: %w", err)
	}

	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, recSig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
