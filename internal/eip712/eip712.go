// Package eip712 encodes EIP-3009 transfer authorizations as EIP-712 typed
// data. Signing and verification both go through Digest, so the two sides
// can never disagree about the bytes being signed.
package eip712

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// SignatureLength is r ‖ s ‖ v.
	SignatureLength = 65

	domainType   = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	transferType = "TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"
)

var (
	domainTypeHash   = crypto.Keccak256Hash([]byte(domainType))
	transferTypeHash = crypto.Keccak256Hash([]byte(transferType))
)

var (
	ErrInvalidSignature = errors.New("eip712: invalid signature")
	ErrInvalidNonce     = errors.New("eip712: nonce must be 32 bytes")
	ErrNegativeValue    = errors.New("eip712: negative integer")
)

// Domain binds a signature to one token contract on one chain.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Authorization is the typed form of a TransferWithAuthorization message.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Validate rejects values that cannot be encoded as uint256.
func (a Authorization) Validate() error {
	for _, v := range []*big.Int{a.Value, a.ValidAfter, a.ValidBefore} {
		if v == nil {
			continue
		}
		if v.Sign() < 0 || v.BitLen() > 256 {
			return ErrNegativeValue
		}
	}
	return nil
}

// DomainSeparator hashes the EIP712Domain struct.
func DomainSeparator(d Domain) common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		word(d.ChainID),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// StructHash hashes the TransferWithAuthorization struct.
func StructHash(a Authorization) common.Hash {
	return crypto.Keccak256Hash(
		transferTypeHash.Bytes(),
		common.LeftPadBytes(a.From.Bytes(), 32),
		common.LeftPadBytes(a.To.Bytes(), 32),
		word(a.Value),
		word(a.ValidAfter),
		word(a.ValidBefore),
		a.Nonce[:],
	)
}

// Digest returns keccak256(0x1901 ‖ domainSeparator ‖ structHash), the value
// that is actually signed.
func Digest(d Domain, a Authorization) common.Hash {
	sep := DomainSeparator(d)
	sh := StructHash(a)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, sep.Bytes(), sh.Bytes())
}

// word left-pads a non-negative integer to 32 bytes. nil encodes as zero.
func word(n *big.Int) []byte {
	if n == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(n.Bytes(), 32)
}

// Signature is a 65-byte secp256k1 signature with V in {27, 28}.
type Signature [SignatureLength]byte

// Sign signs digest with key.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) (Signature, error) {
	var sig Signature
	if key == nil {
		return sig, fmt.Errorf("%w: nil private key", ErrInvalidSignature)
	}
	raw, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return sig, fmt.Errorf("eip712: sign digest: %w", err)
	}
	copy(sig[:], raw)
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that produced sig over digest. V may be
// either 0/1 or 27/28. High-s signatures are rejected.
func Recover(digest common.Hash, sig Signature) (common.Address, error) {
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: r/s out of range", ErrInvalidSignature)
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig[:64])
	normalized[64] = v

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ParseSignature decodes a hex signature with or without the 0x prefix.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return sig, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != SignatureLength {
		return sig, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// Hex encodes the signature as 0x-prefixed hex.
func (s Signature) Hex() string {
	return hexutil.Encode(s[:])
}

// Split returns the components receiveWithAuthorization expects. V is
// normalized to 27/28.
func (s Signature) Split() (v uint8, r, ss [32]byte) {
	copy(r[:], s[:32])
	copy(ss[:], s[32:64])
	v = s[64]
	if v < 27 {
		v += 27
	}
	return v, r, ss
}

// ParseNonce decodes a 0x-prefixed 32-byte hex nonce.
func ParseNonce(s string) ([32]byte, error) {
	var n [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	if len(raw) != 32 {
		return n, ErrInvalidNonce
	}
	copy(n[:], raw)
	return n, nil
}

// NonceHex encodes a nonce as 0x-prefixed hex.
func NonceHex(n [32]byte) string {
	return hexutil.Encode(n[:])
}
