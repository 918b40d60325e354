package hd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bip39 "github.com/tyler-smith/go-bip39"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testSeed(t *testing.T) []byte {
	t.Helper()
	require.True(t, bip39.IsMnemonicValid(testMnemonic))
	return bip39.NewSeed(testMnemonic, "")
}

func TestDeriveEVMAddress(t *testing.T) {
	seed := testSeed(t)

	addr, err := DeriveAddress(seed, ChainEVM, 0)
	require.NoError(t, err)
	// Published BIP44 vector for the all-abandon mnemonic at m/44'/60'/0'/0/0.
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", addr)

	again, err := DeriveAddress(seed, ChainEVM, 0)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	other, err := DeriveAddress(seed, ChainEVM, 1)
	require.NoError(t, err)
	assert.NotEqual(t, addr, other)
	assert.True(t, strings.HasPrefix(other, "0x"))
}

func TestDeriveEVMKeyMatchesAddress(t *testing.T) {
	seed := testSeed(t)

	for _, index := range []int64{0, 1, 7} {
		addr, err := DeriveAddress(seed, ChainEVM, index)
		require.NoError(t, err)

		raw, err := DeriveEVMKey(seed, index)
		require.NoError(t, err)

		priv, err := ethcrypto.ToECDSA(raw)
		require.NoError(t, err)
		assert.Equal(t, addr, ethcrypto.PubkeyToAddress(priv.PublicKey).Hex())
	}
}

func TestDeriveSolanaAddress(t *testing.T) {
	seed := testSeed(t)

	addr, err := DeriveAddress(seed, ChainSolana, 0)
	require.NoError(t, err)

	decoded, err := base58.Decode(addr)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	again, err := DeriveAddress(seed, ChainSolana, 0)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	other, err := DeriveAddress(seed, ChainSolana, 1)
	require.NoError(t, err)
	assert.NotEqual(t, addr, other)
}

func TestDeriveAddressFailsClosed(t *testing.T) {
	_, err := DeriveAddress(nil, ChainEVM, 0)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = DeriveEVMKey(nil, 0)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = DeriveAddress(testSeed(t), ChainEVM, -1)
	assert.Error(t, err)

	_, err = DeriveAddress(testSeed(t), Chain("bitcoin"), 0)
	assert.Error(t, err)
}

func setupAllocatorDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	require.NoError(t, db.Exec(`
CREATE TABLE address_sequences (
    chain TEXT PRIMARY KEY,
    next_index INTEGER NOT NULL
)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO address_sequences (chain, next_index) VALUES ('evm', 0), ('solana', 0)`).Error)
	return db
}

func TestAllocatorNextIndex(t *testing.T) {
	db := setupAllocatorDB(t)
	a := &Allocator{db: db, log: zap.NewNop(), seed: testSeed(t)}
	ctx := context.Background()

	first, err := a.NextIndex(ctx, ChainEVM)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)

	second, err := a.NextIndex(ctx, ChainEVM)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second)

	// Counters are independent per chain.
	sol, err := a.NextIndex(ctx, ChainSolana)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sol)

	_, err = a.NextIndex(ctx, Chain("bitcoin"))
	assert.Error(t, err)
}

func TestAllocatorConcurrentUniqueness(t *testing.T) {
	db := setupAllocatorDB(t)
	a := &Allocator{db: db, log: zap.NewNop(), seed: testSeed(t)}
	ctx := context.Background()

	const workers = 50
	results := make(chan int64, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			index, err := a.NextIndex(ctx, ChainEVM)
			assert.NoError(t, err)
			results <- index
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for index := range results {
		assert.False(t, seen[index], "index %d allocated twice", index)
		seen[index] = true
	}
	assert.Len(t, seen, workers)
}

func TestAllocateNotConfigured(t *testing.T) {
	a := &Allocator{db: setupAllocatorDB(t), log: zap.NewNop()}

	assert.False(t, a.Configured())
	_, _, err := a.Allocate(context.Background(), ChainEVM)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestAllocate(t *testing.T) {
	db := setupAllocatorDB(t)
	a := &Allocator{db: db, log: zap.NewNop(), seed: testSeed(t)}

	index, address, err := a.Allocate(context.Background(), ChainEVM)
	require.NoError(t, err)
	assert.Equal(t, int64(0), index)

	rederived, err := DeriveAddress(a.Seed(), ChainEVM, index)
	require.NoError(t, err)
	assert.Equal(t, rederived, address)
}
