package credits

import "time"

// Account is this subsystem's view of a user's credit balance. The rest of
// the user entity lives in the account service; only the balance is mutated
// here.
type Account struct {
	UserID    uint64 `gorm:"primaryKey" json:"user_id"`
	Balance   int64  `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Account) TableName() string { return "credit_accounts" }
