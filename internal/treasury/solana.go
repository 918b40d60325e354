package treasury

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/birdhaus/roost/internal/payment/domain"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

// systemProgramID is the Solana System Program address; transfer is its
// instruction index 2.
const (
	systemProgramID     = "11111111111111111111111111111111"
	transferInstruction = uint32(2)
)

// SolanaRPC is the subset of the JSON-RPC client the Solana mover uses.
type SolanaRPC interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

type SolanaConfig struct {
	TreasuryWallet  string
	LamportsPerUnit int64
}

// SolanaMover moves a payment's lamports from the platform receive wallet
// into the treasury wallet with a hand-encoded System Program transfer.
// The receive wallet keeps a pooled balance, so the transfer amount is the
// payment's expected total rather than an address balance.
type SolanaMover struct {
	client SolanaRPC
	key    ed25519.PrivateKey
	cfg    SolanaConfig
	log    *zap.Logger
}

func NewSolanaMover(client SolanaRPC, key ed25519.PrivateKey, cfg SolanaConfig, log *zap.Logger) *SolanaMover {
	if cfg.LamportsPerUnit <= 0 {
		cfg.LamportsPerUnit = 10_000
	}
	return &SolanaMover{client: client, key: key, cfg: cfg, log: log.Named("treasury.solana")}
}

func (m *SolanaMover) Transfer(ctx context.Context, payment *domain.Payment, record func(txHash string) error) (string, error) {
	if m.cfg.TreasuryWallet == "" {
		return "", fmt.Errorf("%w: treasury wallet not configured", domain.ErrProviderUnavailable)
	}

	var blockhashResp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := m.client.CallContext(ctx, &blockhashResp, "getLatestBlockhash", map[string]any{"commitment": "finalized"}); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	lamports := uint64(payment.ExpectedTotal() * m.cfg.LamportsPerUnit)
	message, err := m.encodeTransferMessage(blockhashResp.Value.Blockhash, lamports)
	if err != nil {
		return "", err
	}

	signature := ed25519.Sign(m.key, message)
	reference := base58.Encode(signature)

	// The payer signature is the transaction id; pin it before broadcast.
	if err := record(reference); err != nil {
		return "", err
	}

	var tx bytes.Buffer
	tx.WriteByte(1) // one signature
	tx.Write(signature)
	tx.Write(message)

	var sendResp string
	err = m.client.CallContext(ctx, &sendResp, "sendTransaction",
		base64.StdEncoding.EncodeToString(tx.Bytes()),
		map[string]any{"encoding": "base64"},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	m.log.Info("sweep submitted",
		zap.String("payment_id", payment.ID.String()),
		zap.Uint64("lamports", lamports),
		zap.String("signature", reference),
	)
	return reference, nil
}

// encodeTransferMessage builds a legacy Solana message with a single
// System Program transfer: 1 required signature, the program account
// read-only, account keys [payer, treasury, system program].
func (m *SolanaMover) encodeTransferMessage(recentBlockhash string, lamports uint64) ([]byte, error) {
	from := m.key.Public().(ed25519.PublicKey)
	to, err := base58.Decode(m.cfg.TreasuryWallet)
	if err != nil || len(to) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid treasury wallet %q", m.cfg.TreasuryWallet)
	}
	program, err := base58.Decode(systemProgramID)
	if err != nil {
		return nil, err
	}
	blockhash, err := base58.Decode(recentBlockhash)
	if err != nil || len(blockhash) != 32 {
		return nil, fmt.Errorf("invalid recent blockhash %q", recentBlockhash)
	}

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], transferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	var msg bytes.Buffer
	msg.WriteByte(1) // numRequiredSignatures
	msg.WriteByte(0) // numReadonlySignedAccounts
	msg.WriteByte(1) // numReadonlyUnsignedAccounts

	msg.WriteByte(3) // account keys (compact-u16, fits one byte)
	msg.Write(from)
	msg.Write(to)
	msg.Write(program)

	msg.Write(blockhash)

	msg.WriteByte(1) // instructions
	msg.WriteByte(2) // program id index
	msg.WriteByte(2) // account index count
	msg.WriteByte(0) // payer
	msg.WriteByte(1) // treasury
	msg.WriteByte(byte(len(data)))
	msg.Write(data)

	return msg.Bytes(), nil
}
