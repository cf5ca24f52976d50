package models

import (
	"strings"
	"time"
)

const (
	UsagePoolCore     = "core"
	UsagePoolAdvanced = "advanced"
)

// MaxTopUpRefs bounds the remembered top-up references per ledger.
const MaxTopUpRefs = 50

// UsageLedger holds the per-account quota counters of the current billing
// cycle. Version is bumped on every write and guards compare-and-swap updates.
type UsageLedger struct {
	AccountID         string    `gorm:"type:varchar(191);primaryKey" json:"account_id"`
	Tier              string    `gorm:"type:varchar(32);not null;default:'freemium';index" json:"tier"`
	CoreAllocated     int64     `gorm:"not null;default:0" json:"core_allocated"`
	CoreUsed          int64     `gorm:"not null;default:0" json:"core_used"`
	AdvancedAllocated int64     `gorm:"not null;default:0" json:"advanced_allocated"`
	AdvancedUsed      int64     `gorm:"not null;default:0" json:"advanced_used"`
	CycleStart        time.Time `gorm:"not null" json:"cycle_start"`
	CycleEnd          time.Time `gorm:"not null;index" json:"cycle_end"`
	TopUpRefs         string    `gorm:"type:text" json:"top_up_refs,omitempty"`
	Version           int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsValidUsagePool reports whether pool names a known quota pool.
func IsValidUsagePool(pool string) bool {
	return pool == UsagePoolCore || pool == UsagePoolAdvanced
}

// Allocated returns the allocation of the given pool.
func (l *UsageLedger) Allocated(pool string) int64 {
	if pool == UsagePoolAdvanced {
		return l.AdvancedAllocated
	}
	return l.CoreAllocated
}

// Used returns the consumption of the given pool.
func (l *UsageLedger) Used(pool string) int64 {
	if pool == UsagePoolAdvanced {
		return l.AdvancedUsed
	}
	return l.CoreUsed
}

// Available never goes below zero, even when an allocation was lowered
// underneath existing usage.
func (l *UsageLedger) Available(pool string) int64 {
	avail := l.Allocated(pool) - l.Used(pool)
	if avail < 0 {
		return 0
	}
	return avail
}

func (l *UsageLedger) AddUsed(pool string, units int64) {
	if pool == UsagePoolAdvanced {
		l.AdvancedUsed += units
		return
	}
	l.CoreUsed += units
}

func (l *UsageLedger) AddAllocated(pool string, units int64) {
	if pool == UsagePoolAdvanced {
		l.AdvancedAllocated += units
		return
	}
	l.CoreAllocated += units
}

// HasTopUpRef reports whether a top-up with this reference was applied.
func (l *UsageLedger) HasTopUpRef(ref string) bool {
	if ref == "" || l.TopUpRefs == "" {
		return false
	}
	for _, r := range strings.Split(l.TopUpRefs, ",") {
		if r == ref {
			return true
		}
	}
	return false
}

// AddTopUpRef remembers ref, dropping the oldest entries beyond MaxTopUpRefs.
func (l *UsageLedger) AddTopUpRef(ref string) {
	if ref == "" {
		return
	}
	var refs []string
	if l.TopUpRefs != "" {
		refs = strings.Split(l.TopUpRefs, ",")
	}
	refs = append(refs, ref)
	if len(refs) > MaxTopUpRefs {
		refs = refs[len(refs)-MaxTopUpRefs:]
	}
	l.TopUpRefs = strings.Join(refs, ",")
}

// Clone returns a detached copy safe to mutate.
func (l *UsageLedger) Clone() *UsageLedger {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}
