package ism

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ModuleType identifies the kind of security module.
// Values match the on-chain moduleType() return codes.
type ModuleType uint8

const (
	TypeUnused             ModuleType = 0
	TypeRouting            ModuleType = 1
	TypeAggregation        ModuleType = 2
	TypeLegacyMultisig     ModuleType = 3
	TypeMerkleRootMultisig ModuleType = 4
	TypeMessageIDMultisig  ModuleType = 5
	TypeNull               ModuleType = 6
	TypeCCIPRead           ModuleType = 7
)

var typeNames = map[ModuleType]string{
	TypeUnused:             "unused",
	TypeRouting:            "routing",
	TypeAggregation:        "aggregation",
	TypeLegacyMultisig:     "legacyMultisig",
	TypeMerkleRootMultisig: "merkleRootMultisig",
	TypeMessageIDMultisig:  "messageIdMultisig",
	TypeNull:               "null",
	TypeCCIPRead:           "ccipRead",
}

var (
	ErrUnknownType   = errors.New("unknown module type")
	ErrInvalidModule = errors.New("invalid module config")
)

// String returns the config name of the module type.
func (t ModuleType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseModuleType converts a config name into a ModuleType.
func ParseModuleType(name string) (ModuleType, error) {
	for t, n := range typeNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// ModuleConfig describes a deployed security module.
// Modules and Threshold are only meaningful for aggregation modules.
type ModuleConfig struct {
	Type      ModuleType     // Type is the module kind
	Address   common.Address // Address is the deployed module address
	Modules   []ModuleConfig // Modules are the submodules, in on-chain order
	Threshold int            // Threshold is the minimum number of included submodules
}

// Validate checks the module tree for structural errors.
func (c *ModuleConfig) Validate() error {
	if c.Type != TypeAggregation {
		if len(c.Modules) > 0 {
			return fmt.Errorf("%w: %s module %s has submodules", ErrInvalidModule, c.Type, c.Address.Hex())
		}

		return nil
	}

	if c.Threshold < 0 || c.Threshold > len(c.Modules) {
		return fmt.Errorf("%w: aggregation %s threshold %d out of range [0, %d]",
			ErrInvalidModule, c.Address.Hex(), c.Threshold, len(c.Modules))
	}

	for i := range c.Modules {
		if err := c.Modules[i].Validate(); err != nil {
			return fmt.Errorf("submodule %d: %w", i, err)
		}
	}

	return nil
}
