package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rockola/backend/internal/apperr"
	"github.com/rockola/backend/internal/models"
	"github.com/rockola/backend/internal/store"
)

// LedgerService is the only writer of wallet balances. Every balance change
// is posted as an append-only Movement carrying the balance after it was
// applied; the wallet document is a derived cache of the latest movement.
// Operations for the same host are serialized; different hosts proceed in
// parallel.
type LedgerService struct {
	store             store.Store
	commissionRateBPS int64
	hosts             *KeyedMutex
}

// NewLedgerService creates a LedgerService. commissionRateBPS is the platform
// commission in basis points (2000 = 20%).
func NewLedgerService(st store.Store, commissionRateBPS int64) *LedgerService {
	return &LedgerService{
		store:             st,
		commissionRateBPS: commissionRateBPS,
		hosts:             NewKeyedMutex(),
	}
}

// HostShare returns the host's portion of a gross amount after commission.
func (l *LedgerService) HostShare(grossAmount int64) int64 {
	return grossAmount - grossAmount*l.commissionRateBPS/10000
}

// Settle posts the monetary effect of an accepted request: the host's share
// of grossAmount as an ingreso_real movement and, if bonusPortion > 0, an
// ingreso_bono movement. Both movements and the wallet update are applied in
// one store transaction; a partial application is impossible. Returns the
// posted movements, host share first.
func (l *LedgerService) Settle(ctx context.Context, hostID, sessionID string, grossAmount, bonusPortion int64) ([]models.Movement, error) {
	if grossAmount <= 0 {
		return nil, apperr.Validation("gross amount must be positive")
	}
	if bonusPortion < 0 {
		return nil, apperr.Validation("bonus portion cannot be negative")
	}

	unlock := l.hosts.Lock(hostID)
	defer unlock()

	commission := grossAmount * l.commissionRateBPS / 10000
	hostShare := grossAmount - commission

	var movements []models.Movement
	err := l.store.RunTransaction(ctx, func(tx store.Tx) error {
		wallet, err := loadWallet(ctx, tx, hostID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		wallet.SaldoReal += hostShare
		movements = append(movements, newMovement(hostID, &sessionID, models.MovementIngresoReal, hostShare, wallet, now))

		if bonusPortion > 0 {
			wallet.SaldoBono += bonusPortion
			movements = append(movements, newMovement(hostID, &sessionID, models.MovementIngresoBono, bonusPortion, wallet, now))
		}

		return writeWallet(ctx, tx, wallet, movements, now)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("ledger: settlement posted",
		slog.String("host_id", hostID),
		slog.String("session_id", sessionID),
		slog.Int64("gross", grossAmount),
		slog.Int64("commission", commission),
		slog.Int64("host_share", hostShare),
		slog.Int64("bonus", bonusPortion))
	return movements, nil
}

// Refund reverses a prior settlement by posting negative ingreso movements.
// A refund that would drive a balance negative is capped at the available
// balance and the shortfall recorded as an ajuste write-off, so the
// session-ending cleanup path always terminates.
func (l *LedgerService) Refund(ctx context.Context, hostID, sessionID string, realAmount, bonusAmount int64) ([]models.Movement, error) {
	if realAmount < 0 || bonusAmount < 0 {
		return nil, apperr.Validation("refund amounts cannot be negative")
	}
	if realAmount == 0 && bonusAmount == 0 {
		return nil, nil
	}

	unlock := l.hosts.Lock(hostID)
	defer unlock()

	var movements []models.Movement
	var shortfall int64
	err := l.store.RunTransaction(ctx, func(tx store.Tx) error {
		wallet, err := loadWallet(ctx, tx, hostID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		cappedReal := min(realAmount, wallet.SaldoReal)
		cappedBonus := min(bonusAmount, wallet.SaldoBono)
		shortfall = (realAmount - cappedReal) + (bonusAmount - cappedBonus)

		if cappedReal > 0 {
			wallet.SaldoReal -= cappedReal
			movements = append(movements, newMovement(hostID, &sessionID, models.MovementIngresoReal, -cappedReal, wallet, now))
		}
		if cappedBonus > 0 {
			wallet.SaldoBono -= cappedBonus
			movements = append(movements, newMovement(hostID, &sessionID, models.MovementIngresoBono, -cappedBonus, wallet, now))
		}
		if shortfall > 0 {
			movements = append(movements, newMovement(hostID, &sessionID, models.MovementAjuste, shortfall, wallet, now))
		}

		return writeWallet(ctx, tx, wallet, movements, now)
	})
	if err != nil {
		return nil, err
	}

	if shortfall > 0 {
		slog.Warn("ledger: refund capped, shortfall written off",
			slog.String("host_id", hostID),
			slog.String("session_id", sessionID),
			slog.Int64("shortfall", shortfall))
	}
	slog.Info("ledger: refund posted",
		slog.String("host_id", hostID),
		slog.String("session_id", sessionID),
		slog.Int64("real", realAmount),
		slog.Int64("bonus", bonusAmount))
	return movements, nil
}

// Withdraw moves amount out of the host's withdrawable balance. The bonus
// balance can never be withdrawn.
func (l *LedgerService) Withdraw(ctx context.Context, hostID string, amount int64) (models.Movement, error) {
	if amount <= 0 {
		return models.Movement{}, apperr.Validation("withdrawal amount must be positive")
	}

	unlock := l.hosts.Lock(hostID)
	defer unlock()

	var movement models.Movement
	err := l.store.RunTransaction(ctx, func(tx store.Tx) error {
		wallet, err := loadWallet(ctx, tx, hostID)
		if err != nil {
			return err
		}
		if amount > wallet.SaldoReal {
			return apperr.InsufficientBalance("withdrawal exceeds available balance")
		}
		now := time.Now().UTC()

		wallet.SaldoReal -= amount
		movement = newMovement(hostID, nil, models.MovementRetiro, -amount, wallet, now)
		return writeWallet(ctx, tx, wallet, []models.Movement{movement}, now)
	})
	if err != nil {
		return models.Movement{}, err
	}

	slog.Info("ledger: withdrawal posted",
		slog.String("host_id", hostID),
		slog.Int64("amount", amount))
	return movement, nil
}

// Balance returns the host's wallet, zero-valued if nothing was ever posted.
func (l *LedgerService) Balance(ctx context.Context, hostID string) (models.WalletBalance, error) {
	var wallet models.WalletBalance
	err := l.store.Get(ctx, store.CollectionWallets, hostID, &wallet)
	if err == store.ErrNotFound {
		return models.WalletBalance{HostID: hostID}, nil
	}
	if err != nil {
		return models.WalletBalance{}, apperr.Internal("failed to load wallet", err)
	}
	return wallet, nil
}

// Movements lists the host's ledger entries, newest first.
func (l *LedgerService) Movements(ctx context.Context, hostID string, limit int) ([]models.Movement, error) {
	var movements []models.Movement
	err := l.store.Query(ctx, store.CollectionMovements, store.Query{
		Filters:    []store.Filter{store.Where("hostId", store.OpEq, hostID)},
		OrderBy:    "createdAt",
		Descending: true,
		Limit:      limit,
	}, &movements)
	if err != nil {
		return nil, apperr.Internal("failed to load movements", err)
	}
	return movements, nil
}

func loadWallet(ctx context.Context, tx store.Tx, hostID string) (models.WalletBalance, error) {
	var wallet models.WalletBalance
	err := tx.Get(ctx, store.CollectionWallets, hostID, &wallet)
	if err == store.ErrNotFound {
		return models.WalletBalance{HostID: hostID}, nil
	}
	if err != nil {
		return models.WalletBalance{}, apperr.Internal("failed to load wallet", err)
	}
	return wallet, nil
}

func writeWallet(ctx context.Context, tx store.Tx, wallet models.WalletBalance, movements []models.Movement, now time.Time) error {
	wallet.UpdatedAt = now
	if err := tx.Set(ctx, store.CollectionWallets, wallet.HostID, wallet); err != nil {
		return apperr.Internal("failed to write wallet", err)
	}
	for _, m := range movements {
		if err := tx.Set(ctx, store.CollectionMovements, m.ID, m); err != nil {
			return apperr.Internal("failed to write movement", err)
		}
	}
	return nil
}

func newMovement(hostID string, sessionID *string, mType models.MovementType, amount int64, wallet models.WalletBalance, now time.Time) models.Movement {
	return models.Movement{
		ID:               uuid.New().String(),
		HostID:           hostID,
		SessionID:        sessionID,
		Type:             mType,
		Amount:           amount,
		BalanceAfterReal: wallet.SaldoReal,
		BalanceAfterBono: wallet.SaldoBono,
		CreatedAt:        now,
	}
}
