package entitlements

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFreemium   Tier = "freemium"
	TierEntry      Tier = "entry"
	TierPro        Tier = "pro"
	TierProPlus    Tier = "pro_plus"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

type Capability string

const (
	CapabilityCore     Capability = "core"
	CapabilityAdvanced Capability = "advanced"
	CapabilityCustom   Capability = "custom"
)

// PaidTiers lists the tiers evaluated individually by margin monitoring.
var PaidTiers = []Tier{TierEntry, TierPro, TierProPlus, TierBusiness, TierEnterprise}

// TierConfig describes the quota and price granted by a tier.
type TierConfig struct {
	Name               Tier            `yaml:"name" validate:"required"`
	CoreAllocation     int64           `yaml:"core" validate:"gte=0"`
	AdvancedAllocation int64           `yaml:"advanced" validate:"gte=0"`
	MonthlyPrice       decimal.Decimal `yaml:"-"`
	MonthlyPriceUSD    string          `yaml:"monthly_price_usd" validate:"omitempty,numeric"`
	Capabilities       []Capability    `yaml:"capabilities" validate:"required,min=1,dive,oneof=core advanced custom"`
}

// Allows reports whether the tier grants the capability.
func (c TierConfig) Allows(capability Capability) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// Table is the read-only tier configuration consumed by the ledger and by
// access checks.
type Table interface {
	Lookup(tier Tier) (TierConfig, bool)
}

type staticTable map[Tier]TierConfig

func (t staticTable) Lookup(tier Tier) (TierConfig, bool) {
	cfg, ok := t[NormalizeTier(string(tier))]
	return cfg, ok
}

// DefaultTable returns the built-in tier table.
func DefaultTable() Table {
	return staticTable{
		TierAnonymous:  {Name: TierAnonymous, CoreAllocation: 1, MonthlyPrice: decimal.Zero, Capabilities: []Capability{CapabilityCore}},
		TierFreemium:   {Name: TierFreemium, CoreAllocation: 100, MonthlyPrice: decimal.Zero, Capabilities: []Capability{CapabilityCore}},
		TierEntry:      {Name: TierEntry, CoreAllocation: 300, MonthlyPrice: decimal.NewFromInt(19), Capabilities: []Capability{CapabilityCore}},
		TierPro:        {Name: TierPro, CoreAllocation: 700, AdvancedAllocation: 50, MonthlyPrice: decimal.NewFromInt(49), Capabilities: []Capability{CapabilityCore, CapabilityAdvanced}},
		TierProPlus:    {Name: TierProPlus, CoreAllocation: 1600, AdvancedAllocation: 100, MonthlyPrice: decimal.NewFromInt(79), Capabilities: []Capability{CapabilityCore, CapabilityAdvanced}},
		TierBusiness:   {Name: TierBusiness, CoreAllocation: 3500, AdvancedAllocation: 200, MonthlyPrice: decimal.NewFromInt(159), Capabilities: []Capability{CapabilityCore, CapabilityAdvanced}},
		TierEnterprise: {Name: TierEnterprise, CoreAllocation: 10000, AdvancedAllocation: 1000, MonthlyPrice: decimal.NewFromInt(499), Capabilities: []Capability{CapabilityCore, CapabilityAdvanced, CapabilityCustom}},
	}
}

// NormalizeTier maps free-form tier names onto a known tier, falling back to
// freemium.
func NormalizeTier(tier string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(tier)))
	switch t {
	case TierAnonymous, TierFreemium, TierEntry, TierPro, TierProPlus, TierBusiness, TierEnterprise:
		return t
	case "free":
		return TierFreemium
	case "pro+", "proplus":
		return TierProPlus
	default:
		return TierFreemium
	}
}

// Rank orders tiers for upgrade/downgrade comparisons.
func Rank(tier Tier) int {
	switch NormalizeTier(string(tier)) {
	case TierEnterprise:
		return 5
	case TierBusiness:
		return 4
	case TierProPlus:
		return 3
	case TierPro:
		return 2
	case TierEntry:
		return 1
	default:
		return 0
	}
}

// AllowsCapability checks a capability against the given table.
func AllowsCapability(table Table, tier Tier, capability Capability) bool {
	cfg, ok := table.Lookup(tier)
	if !ok {
		return false
	}
	return cfg.Allows(capability)
}

type tableFile struct {
	Tiers []TierConfig `yaml:"tiers" validate:"required,min=1,dive"`
}

// LoadTable reads a YAML tier table and overlays it on the defaults. Tiers
// missing from the file keep their built-in configuration.
func LoadTable(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier table: %w", err)
	}
	return ParseTable(raw)
}

// ParseTable parses and validates a YAML tier table document.
func ParseTable(raw []byte) (Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tier table: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid tier table: %w", err)
	}

	table := DefaultTable().(staticTable)
	merged := make(staticTable, len(table))
	for k, v := range table {
		merged[k] = v
	}
	for _, cfg := range file.Tiers {
		cfg.Name = NormalizeTier(string(cfg.Name))
		cfg.MonthlyPrice = decimal.Zero
		if cfg.MonthlyPriceUSD != "" {
			price, err := decimal.NewFromString(cfg.MonthlyPriceUSD)
			if err != nil {
				return nil, fmt.Errorf("tier %s: invalid price: %w", cfg.Name, err)
			}
			cfg.MonthlyPrice = price
		}
		merged[cfg.Name] = cfg
	}
	return merged, nil
}
