package provider

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "ChainForge/internal/errors"
)

// Definitions models the providers YAML document: one entry per chain
// identifier, each either a managed fork spawn or an external endpoint.
type Definitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
	// AutoSigners lists wallet addresses that test/eval deployments may
	// impersonate and sign for without prompting.
	AutoSigners []string `yaml:"auto_signers"`
}

// ChainDefinition describes a single chain backend.
type ChainDefinition struct {
	Kind    string `yaml:"kind"`
	ChainID uint64 `yaml:"chain_id"`

	// Managed spawn parameters.
	ForkURL         string `yaml:"fork_url"`
	ForkBlockNumber uint64 `yaml:"fork_block_number"`
	Port            uint16 `yaml:"port"`
	BlockTime       uint64 `yaml:"block_time"`
	Accounts        uint32 `yaml:"accounts"`
	Mnemonic        string `yaml:"mnemonic"`
	Binary          string `yaml:"binary"`

	// External endpoint.
	RPCURL string `yaml:"rpc_url"`

	Description string `yaml:"description"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references from the process environment.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// ResolveKind returns the tagged kind for the definition, deriving it from
// the endpoint fields when the config leaves it blank.
func (d ChainDefinition) ResolveKind() (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(d.Kind)) {
	case string(KindManaged):
		return KindManaged, nil
	case string(KindExternal):
		return KindExternal, nil
	case "":
		if strings.TrimSpace(d.RPCURL) != "" {
			return KindExternal, nil
		}
		return KindManaged, nil
	default:
		return "", xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("unsupported provider kind %q", d.Kind))
	}
}

// Validate checks a single chain definition.
func (d ChainDefinition) Validate(name string) error {
	if strings.TrimSpace(name) == "" {
		return xerrors.New(xerrors.CodeConfigInvalid, "chain name cannot be empty")
	}
	if d.ChainID == 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("chain %s: chain_id is required", name))
	}
	kind, err := d.ResolveKind()
	if err != nil {
		return err
	}
	switch kind {
	case KindManaged:
		if strings.TrimSpace(d.RPCURL) != "" {
			return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("chain %s: managed instances may not set rpc_url", name))
		}
	case KindExternal:
		if strings.TrimSpace(expandEnv(d.RPCURL)) == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("chain %s: external endpoint requires rpc_url", name))
		}
	}
	return nil
}

// LoadDefinitions parses the providers YAML document.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "read providers config")
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "parse providers config")
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if err := chain.Validate(name); err != nil {
			return Definitions{}, err
		}
	}
	return defs, nil
}
