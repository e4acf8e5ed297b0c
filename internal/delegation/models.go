package delegation

import (
	"fmt"
	"time"

	"github.com/ksred/klear-ephemeral/internal/types"
	"gorm.io/gorm"
)

// Delegation records which execution context owns a record. Pending marks
// TransitionPending; Target is the context the record is moving to.
type Delegation struct {
	gorm.Model `json:"-"`
	RecordKey  string        `gorm:"uniqueIndex" json:"record_key"`
	Owner      types.Context `json:"owner"`
	Pending    bool          `json:"pending"`
	Target     types.Context `json:"target,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// State renders the ownership state the way operators read it.
func (d *Delegation) State() string {
	if d.Pending {
		return fmt.Sprintf("TransitionPending(%s->%s)", d.Owner, d.Target)
	}
	return fmt.Sprintf("Owned(%s)", d.Owner)
}

// RecordRef names a delegatable record: a market, or a trader when Principal
// is set.
type RecordRef struct {
	MarketID  string `json:"market_id" form:"market_id" binding:"required"`
	Principal string `json:"principal,omitempty" form:"principal"`
}

func (r RecordRef) Key() string {
	if r.Principal == "" {
		return types.MarketKey(r.MarketID)
	}
	return types.TraderKey(r.MarketID, r.Principal)
}

type StateResponse struct {
	RecordKey string        `json:"record_key"`
	Owner     types.Context `json:"owner"`
	Pending   bool          `json:"pending"`
	State     string        `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}
