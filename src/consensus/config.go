package consensus

import (
	"sort"
)

// Validator is one staked member of the directory. PublicKeyHex may be empty
// when signature enforcement is off.
type Validator struct {
	ID           string `json:"id"`
	Stake        uint64 `json:"stake"`
	PublicKeyHex string `json:"public_key_hex,omitempty"`
}

// Config parametrizes the engine. Validate runs before anything spawns.
type Config struct {
	WorldID string
	LocalID string

	Validators []Validator

	EpochLengthSlots uint64

	// MaxActionsPerBlock bounds how many pool actions one proposal drains.
	MaxActionsPerBlock int
	// MaxPendingActions bounds the consensus action pool; overflow refuses.
	MaxPendingActions int
	// MaxAttestationHistory bounds the per-validator slashing history.
	MaxAttestationHistory int
	// MaxRecords bounds the committed-record history; oldest pruned first.
	MaxRecords int
	// ExecutionBindingCacheSize bounds the height -> execution binding LRU.
	ExecutionBindingCacheSize int

	AutoAttestAllValidators    bool
	RequirePeerExecutionHashes bool
	EnforceSignatures          bool
}

// DefaultConfig returns engine defaults for a single world.
func DefaultConfig(worldID, localID string) Config {
	return Config{
		WorldID:                   worldID,
		LocalID:                   localID,
		EpochLengthSlots:          32,
		MaxActionsPerBlock:        64,
		MaxPendingActions:         1024,
		MaxAttestationHistory:     128,
		MaxRecords:                512,
		ExecutionBindingCacheSize: 256,
	}
}

// Validate checks the config; any failure is InvalidConfig.
func (c *Config) Validate() error {
	if c.WorldID == "" {
		return NewError(InvalidConfig, "world id is empty")
	}
	if c.LocalID == "" {
		return NewError(InvalidConfig, "local node id is empty")
	}
	if len(c.Validators) == 0 {
		return NewError(InvalidConfig, "validator set is empty")
	}
	seen := map[string]bool{}
	for _, v := range c.Validators {
		if v.ID == "" {
			return NewError(InvalidConfig, "validator with empty id")
		}
		if v.Stake == 0 {
			return NewError(InvalidConfig, "validator %s has zero stake", v.ID)
		}
		if seen[v.ID] {
			return NewError(InvalidConfig, "duplicate validator %s", v.ID)
		}
		seen[v.ID] = true
	}
	if c.EpochLengthSlots == 0 {
		return NewError(InvalidConfig, "epoch length must be positive")
	}
	if c.MaxActionsPerBlock <= 0 || c.MaxPendingActions <= 0 {
		return NewError(InvalidConfig, "action bounds must be positive")
	}
	return nil
}

// sortedValidatorIDs returns validator ids in the deterministic proposer
// rotation order.
func sortedValidatorIDs(validators []Validator) []string {
	out := make([]string, 0, len(validators))
	for _, v := range validators {
		out = append(out, v.ID)
	}
	sort.Strings(out)
	return out
}

// RequiredStake is the commit threshold: ceil(2*total/3) in integer
// arithmetic.
func RequiredStake(total uint64) uint64 {
	return (2*total + 2) / 3
}
