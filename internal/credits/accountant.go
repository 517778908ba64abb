package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/flowforgehq/flowforge/internal/run"
)

// ErrInsufficientCredits is returned when a debit would push the balance
// below zero. The request is rejected before any run exists.
var ErrInsufficientCredits = errors.New("credits: insufficient balance")

type Accountant struct {
	db *gorm.DB
}

func NewAccountant(db *gorm.DB) *Accountant {
	return &Accountant{db: db}
}

func (a *Accountant) Balance(ctx context.Context, userID uint64) (int64, error) {
	var acct Account
	if err := a.db.WithContext(ctx).First(&acct, "user_id = ?", userID).Error; err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Grant adds credits unconditionally (purchases, promos, refunds).
func (a *Accountant) Grant(ctx context.Context, userID uint64, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credits: negative grant %d", amount)
	}
	res := a.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return a.db.WithContext(ctx).Create(&Account{UserID: userID, Balance: amount}).Error
	}
	return nil
}

// Debit withdraws amount as a single conditional update. The balance check
// and the decrement happen in one statement, so concurrent debits for the
// same user cannot interleave a stale read.
func (a *Accountant) Debit(ctx context.Context, userID uint64, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credits: negative debit %d", amount)
	}
	if amount == 0 {
		return a.Balance(ctx, userID)
	}

	res := a.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrInsufficientCredits
	}
	return a.Balance(ctx, userID)
}

// Refund returns amount to the balance. Unconditional and additive; callers
// needing at-most-once semantics go through RefundRun.
func (a *Accountant) Refund(ctx context.Context, userID uint64, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return a.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount)).Error
}

// RefundRun refunds a failed run's charge at most once. The refunded_at
// flip on the run row and the balance credit commit together, so a crash
// between pipeline retries can never pay out twice. Returns whether this
// call performed the refund.
func (a *Accountant) RefundRun(ctx context.Context, r *run.Run) (bool, error) {
	if r.CreditsCharged <= 0 {
		return false, nil
	}

	refunded := false
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&run.Run{}).
			Where("id = ? AND refunded_at IS NULL", r.ID).
			Update("refunded_at", time.Now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already refunded by an earlier attempt.
			return nil
		}
		refunded = true
		return tx.Model(&Account{}).
			Where("user_id = ?", r.UserID).
			Update("balance", gorm.Expr("balance + ?", r.CreditsCharged)).Error
	})
	return refunded, err
}
