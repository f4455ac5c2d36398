package eip712

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testDomain() Domain {
	return Domain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           big.NewInt(84532),
		VerifyingContract: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
	}
}

func testAuthorization() Authorization {
	nonce, _ := ParseNonce("0xf408d6d1f1d1bca7c6396ed30f00a46ca4e5b073fff983e42b348776a5aa651c")
	return Authorization{
		From:        common.HexToAddress("0xE4d365a5a8fC0DCEE9E3C5985D7FcBab8B4A0fE1"),
		To:          common.HexToAddress("0x384Aa214be0B279cbf211e9b2C992d8633F77848"),
		Value:       big.NewInt(10000),
		ValidAfter:  big.NewInt(1763450282),
		ValidBefore: big.NewInt(1763451182),
		Nonce:       nonce,
	}
}

// typedData builds the same message through go-ethereum's generic encoder.
func typedData(d Domain, a Authorization) apitypes.TypedData {
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
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        a.From.Hex(),
			"to":          a.To.Hex(),
			"value":       a.Value.String(),
			"validAfter":  a.ValidAfter.String(),
			"validBefore": a.ValidBefore.String(),
			"nonce":       NonceHex(a.Nonce),
		},
	}
}

func TestDomainSeparator_MatchesGeneric(t *testing.T) {
	td := typedData(testDomain(), testAuthorization())
	want, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	require.NoError(t, err)

	got := DomainSeparator(testDomain())
	assert.Equal(t, common.BytesToHash(want), got)
}

func TestStructHash_MatchesGeneric(t *testing.T) {
	td := typedData(testDomain(), testAuthorization())
	want, err := td.HashStruct(td.PrimaryType, td.Message)
	require.NoError(t, err)

	got := StructHash(testAuthorization())
	assert.Equal(t, common.BytesToHash(want), got)
}

func TestDigest_MatchesGeneric(t *testing.T) {
	td := typedData(testDomain(), testAuthorization())
	want, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)

	assert.Equal(t, common.BytesToHash(want), Digest(testDomain(), testAuthorization()))
}

func TestDigest_Deterministic(t *testing.T) {
	d1 := Digest(testDomain(), testAuthorization())
	d2 := Digest(testDomain(), testAuthorization())
	assert.Equal(t, d1, d2)
}

func TestDigest_ChangesWithEveryField(t *testing.T) {
	base := Digest(testDomain(), testAuthorization())

	mutations := map[string]func(*Domain, *Authorization){
		"name":     func(d *Domain, _ *Authorization) { d.Name = "USD Coin" },
		"version":  func(d *Domain, _ *Authorization) { d.Version = "1" },
		"chain":    func(d *Domain, _ *Authorization) { d.ChainID = big.NewInt(8453) },
		"contract": func(d *Domain, _ *Authorization) { d.VerifyingContract = common.HexToAddress("0x01") },
		"from":     func(_ *Domain, a *Authorization) { a.From = common.HexToAddress("0x02") },
		"to":       func(_ *Domain, a *Authorization) { a.To = common.HexToAddress("0x03") },
		"value":    func(_ *Domain, a *Authorization) { a.Value = big.NewInt(10001) },
		"after":    func(_ *Domain, a *Authorization) { a.ValidAfter = big.NewInt(1) },
		"before":   func(_ *Domain, a *Authorization) { a.ValidBefore = big.NewInt(2) },
		"nonce":    func(_ *Domain, a *Authorization) { a.Nonce[0] ^= 0xff },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			d, a := testDomain(), testAuthorization()
			mutate(&d, &a)
			assert.NotEqual(t, base, Digest(d, a))
		})
	}
}

func TestSignRecover_RoundTrip(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)

	digest := Digest(testDomain(), testAuthorization())
	sig, err := Sign(digest, key)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, sig[64])

	addr, err := Recover(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)

	// 0/1 recovery ids are accepted too.
	sig[64] -= 27
	addr, err = Recover(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)
}

func TestRecover_BadRecoveryID(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)

	digest := Digest(testDomain(), testAuthorization())
	sig, err := Sign(digest, key)
	require.NoError(t, err)

	sig[64] = 5
	_, err = Recover(digest, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseSignature(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	sig, err := Sign(Digest(testDomain(), testAuthorization()), key)
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"with prefix", sig.Hex(), false},
		{"without prefix", sig.Hex()[2:], false},
		{"too short", "0xdeadbeef", true},
		{"not hex", "0xzz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignature(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, sig, got)
		})
	}
}

func TestSignature_Split(t *testing.T) {
	var sig Signature
	for i := range sig {
		sig[i] = byte(i)
	}
	sig[64] = 1

	v, r, s := sig.Split()
	assert.Equal(t, uint8(28), v)
	assert.Equal(t, byte(0), r[0])
	assert.Equal(t, byte(31), r[31])
	assert.Equal(t, byte(32), s[0])
	assert.Equal(t, byte(63), s[31])
}

func TestParseNonce(t *testing.T) {
	n, err := ParseNonce("0xab" + strings.Repeat("00", 31))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), n[0])

	_, err = ParseNonce("0x1234")
	assert.ErrorIs(t, err, ErrInvalidNonce)

	_, err = ParseNonce("nothex")
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestAuthorization_Validate(t *testing.T) {
	a := testAuthorization()
	assert.NoError(t, a.Validate())

	a.Value = big.NewInt(-1)
	assert.ErrorIs(t, a.Validate(), ErrNegativeValue)
}
