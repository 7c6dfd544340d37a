// Package sessionkey issues and exercises the delegated signing capability:
// a secondary key with narrow, time- and scope-limited authority over the
// principal's smart account. Two independent boundaries restrict it — the
// durable spend ledger checked here, and the EIP-712 scope baked into every
// signature.
package sessionkey

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/vaultline/payguard/internal/apperr"
	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/crypto"
	"github.com/vaultline/payguard/internal/logx"
	"github.com/vaultline/payguard/internal/metrics"
	"github.com/vaultline/payguard/internal/server/db"
	"github.com/vaultline/payguard/internal/x402"
)

var (
	// ErrSpendLimitExceeded means the amount failed a ceiling check. Never
	// fatal: the payment falls back to manual approval.
	ErrSpendLimitExceeded = errors.New("spend limit exceeded")

	// ErrGrantExpired means no usable grant exists — missing, pending,
	// revoked, or past expiry. Also non-fatal.
	ErrGrantExpired = errors.New("session key grant is not active")
)

// Service manages session-key grants and produces spend-limited signatures.
type Service struct {
	store     *db.Store
	registry  *chain.Registry
	masterKey [32]byte
	recorder  metrics.Recorder
	nowFunc   func() time.Time
}

func NewService(store *db.Store, registry *chain.Registry, masterKey [32]byte, recorder metrics.Recorder) *Service {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Service{
		store:     store,
		registry:  registry,
		masterKey: masterKey,
		recorder:  recorder,
		nowFunc:   time.Now,
	}
}

// PreparedGrant is the first half of the two-phase grant: the delegated
// signer's address, to be assembled into the on-chain installation request
// by the caller. The private key never leaves the service.
type PreparedGrant struct {
	AccountID     string `json:"account_id"`
	SignerAddress string `json:"signer_address"`
}

// Prepare generates a fresh delegated keypair and parks the grant in
// pending_grant. The grant is unusable until Finalize confirms the
// on-chain installation; a finalize that never arrives simply leaves it
// parked.
func (s *Service) Prepare(accountID string) (*PreparedGrant, error) {
	account, err := s.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.NotFound("account not found")
	}

	key, err := gethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate delegated key: %w", err)
	}
	signerAddress := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	sealed, err := crypto.Seal(s.masterKey, accountID, gethcrypto.FromECDSA(key))
	if err != nil {
		return nil, fmt.Errorf("seal delegated key: %w", err)
	}

	ok, err := s.store.SetGrantPrepared(accountID, signerAddress, sealed, s.nowFunc().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("an active grant exists; revoke it before preparing a new one")
	}

	logx.Infof("prepared session key grant for account %s, signer %s", accountID, signerAddress)
	return &PreparedGrant{AccountID: accountID, SignerAddress: signerAddress}, nil
}

// Finalize activates a prepared grant once its installation transaction has
// confirmed. Ceilings are atomic-unit positive integers; expiry must be in
// the future.
func (s *Service) Finalize(accountID, grantTxRef string, expiresAt time.Time, perTxCeiling, dailyCeiling int64) (*db.Account, error) {
	if grantTxRef == "" {
		return nil, apperr.Validation("grant transaction reference is required")
	}
	if perTxCeiling <= 0 || dailyCeiling <= 0 {
		return nil, apperr.Validation("spend ceilings must be positive integers in atomic units")
	}
	now := s.nowFunc().UTC()
	if !expiresAt.After(now) {
		return nil, apperr.Validation("grant expiry must be in the future")
	}

	ok, err := s.store.FinalizeGrant(accountID, grantTxRef, expiresAt.UTC(), perTxCeiling, dailyCeiling, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		account, err := s.store.GetAccount(accountID)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, apperr.NotFound("account not found")
		}
		return nil, apperr.Conflict(fmt.Sprintf("grant is %s, expected %s", account.GrantStatus, db.GrantPending))
	}

	logx.Infof("finalized session key grant for account %s (per-tx %d, daily %d, expires %s)",
		accountID, perTxCeiling, dailyCeiling, expiresAt.UTC().Format(time.RFC3339))
	return s.store.GetAccount(accountID)
}

// Revoke terminally revokes an active grant.
func (s *Service) Revoke(accountID string) error {
	ok, err := s.store.RevokeGrant(accountID)
	if err != nil {
		return err
	}
	if !ok {
		account, err := s.store.GetAccount(accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return apperr.NotFound("account not found")
		}
		return apperr.Conflict(fmt.Sprintf("grant is %s, nothing to revoke", account.GrantStatus))
	}
	return nil
}

// checkGrant verifies the grant is usable for amount. A grant observed past
// its expiry is lazily written back as expired, mirroring payment expiry.
func (s *Service) checkGrant(account *db.Account, amount int64) error {
	if account.GrantStatus != db.GrantActive {
		return ErrGrantExpired
	}
	now := s.nowFunc().UTC()
	if account.GrantExpiresAt == nil || !now.Before(*account.GrantExpiresAt) {
		if _, err := s.store.MarkGrantExpired(account.ID); err != nil {
			logx.Warnf("mark grant expired for account %s: %v", account.ID, err)
		}
		return ErrGrantExpired
	}
	if amount > account.PerTxCeiling {
		return ErrSpendLimitExceeded
	}
	return nil
}

// DailyHeadroom reports how much the grant can still sign today, for the
// agent's balance tool. Computed from the durable ledger, not a counter.
func (s *Service) DailyHeadroom(account *db.Account) (int64, error) {
	if account.GrantStatus != db.GrantActive {
		return 0, nil
	}
	spent, err := s.store.SumSpentSince(account.ID, account.ChainID, utcDayStart(s.nowFunc))
	if err != nil {
		return 0, err
	}
	headroom := account.DailyCeiling - spent
	if headroom < 0 {
		headroom = 0
	}
	return headroom, nil
}

// Authorize performs the complete spend-limited signing step for a payment
// currently in `from` status: grant and per-transaction checks, EIP-3009
// signature, then the daily-ceiling check and the transition to processing
// as one atomic conditional write. On a ceiling or grant refusal the
// payment is left untouched for a human.
func (s *Service) Authorize(account *db.Account, payment *db.PendingPayment, from db.PaymentStatus) (*SignedAuthorization, error) {
	c, err := s.registry.Get(payment.ChainID)
	if err != nil {
		return nil, err
	}
	// The daily ledger and the signature's asset scope are both keyed by
	// the account's chain; a payment recorded against another chain would
	// get a ceiling and a verifying contract of its own.
	if payment.ChainID != account.ChainID {
		return nil, apperr.Validationf("payment settles on %s but the grant is bound to %s", payment.ChainID, account.ChainID)
	}

	if err := s.checkGrant(account, payment.Amount); err != nil {
		s.recorder.IncCounter("authorization_refused", map[string]string{"chain": payment.ChainID})
		return nil, err
	}

	req, err := x402.ParseRequirements(payment.Requirements)
	if err != nil {
		return nil, fmt.Errorf("stored requirements for payment %s: %w", payment.ID, err)
	}
	if !common.IsHexAddress(req.PayTo) {
		return nil, apperr.Validationf("payTo %q is not a valid address", req.PayTo)
	}

	sealed := account.SignerKeySealed
	if len(sealed) == 0 {
		return nil, fmt.Errorf("account %s has an active grant but no sealed key", account.ID)
	}
	keyBytes, err := crypto.Open(s.masterKey, account.ID, sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal delegated key: %w", err)
	}
	priv, err := gethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse delegated key: %w", err)
	}

	// validBefore pins the signature's validity to the grant expiry: even
	// if the ledger check were bypassed, the chain rejects the transfer
	// after the grant lapses.
	auth, err := signTransferAuthorization(
		priv, c, common.HexToAddress(req.PayTo),
		x402.AmountBig(payment.Amount), 0, account.GrantExpiresAt.Unix(),
	)
	if err != nil {
		return nil, err
	}
	authJSON, err := auth.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode authorization: %w", err)
	}

	now := s.nowFunc().UTC()
	spent, err := s.store.MarkProcessingWithDailyCap(
		payment.ID, account.ID, payment.ChainID, from,
		payment.Amount, account.DailyCeiling, utcDayStart(s.nowFunc),
		authJSON, now,
	)
	if err == db.ErrDailyCeilingExceeded {
		logx.Infof("payment %s refused: daily ceiling (%d spent of %d, requested %d)",
			payment.ID, spent, account.DailyCeiling, payment.Amount)
		s.recorder.IncCounter("authorization_refused", map[string]string{"chain": payment.ChainID})
		return nil, ErrSpendLimitExceeded
	}
	if err != nil {
		return nil, err
	}

	s.recorder.IncCounter("authorization_signed", map[string]string{"chain": payment.ChainID})
	logx.Infof("signed authorization for payment %s (%d atomic units to %s)", payment.ID, payment.Amount, req.PayTo)
	return auth, nil
}

// utcDayStart returns midnight UTC of the current day; the daily ceiling
// resets on this rolling boundary.
func utcDayStart(now func() time.Time) time.Time {
	return now().UTC().Truncate(24 * time.Hour)
}
