package secrets

import (
	"errors"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Store hands out signing material. Values must never be hard-coded or
// logged; callers hold them only as long as needed.
type Store interface {
	// HDSeedMnemonic is the BIP39 mnemonic the address allocator derives
	// deposit addresses from.
	HDSeedMnemonic() (string, error)
	// TreasuryEVMKey is the hex-encoded secp256k1 key that signs sweep
	// transactions from HD deposit addresses' parent account.
	TreasuryEVMKey() (string, error)
	// TreasurySolanaKey is the base58-encoded ed25519 key of the platform
	// wallet used for Solana sweeps.
	TreasurySolanaKey() (string, error)
	// OffchainAPIToken authenticates against the off-chain PSP.
	OffchainAPIToken() (string, error)
}

var ErrSecretMissing = errors.New("secret_missing")

type envStore struct{}

// NewEnvStore reads secrets from the process environment. Deployments
// inject them through the orchestrator's secret mechanism.
func NewEnvStore() Store { return envStore{} }

func (envStore) HDSeedMnemonic() (string, error)    { return fromEnv("ROOST_HD_SEED_MNEMONIC") }
func (envStore) TreasuryEVMKey() (string, error)    { return fromEnv("ROOST_TREASURY_EVM_KEY") }
func (envStore) TreasurySolanaKey() (string, error) { return fromEnv("ROOST_TREASURY_SOLANA_KEY") }
func (envStore) OffchainAPIToken() (string, error)  { return fromEnv("ROOST_OFFCHAIN_API_TOKEN") }

func fromEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", ErrSecretMissing
	}
	return v, nil
}

var Module = fx.Module("secrets",
	fx.Provide(NewEnvStore),
)
