package types

type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
	EnvLocal       Environment = "local"
)

type Reversibility string

const (
	FullyReversible   Reversibility = "fully_reversible"
	AutomatedRollback Reversibility = "automated_rollback"
	ManualRollback    Reversibility = "manual_rollback"
	Irreversible      Reversibility = "irreversible"
)

type ImpactScope string

const (
	ScopeComponent    ImpactScope = "component"
	ScopeService      ImpactScope = "service"
	ScopeMultiService ImpactScope = "multi_service"
	ScopeSystemWide   ImpactScope = "system_wide"
	ScopeMultiRegion  ImpactScope = "multi_region"
)

type CustomerImpact string

const (
	CustomerNone     CustomerImpact = "none"
	CustomerInternal CustomerImpact = "internal"
	CustomerSegment  CustomerImpact = "segment"
	CustomerAll      CustomerImpact = "all"
)

type SensitiveData struct {
	PII         bool `json:"pii,omitempty" yaml:"pii"`
	PHI         bool `json:"phi,omitempty" yaml:"phi"`
	Financial   bool `json:"financial,omitempty" yaml:"financial"`
	Credentials bool `json:"credentials,omitempty" yaml:"credentials"`
}

// Flags lists the set sensitivity classes in a fixed order.
func (s SensitiveData) Flags() []string {
	var out []string
	if s.PII {
		out = append(out, "pii")
	}
	if s.PHI {
		out = append(out, "phi")
	}
	if s.Financial {
		out = append(out, "financial")
	}
	if s.Credentials {
		out = append(out, "credentials")
	}
	return out
}

func (s SensitiveData) Any() bool {
	return s.PII || s.PHI || s.Financial || s.Credentials
}

// OperationDescriptor describes a proposed operation. It is never mutated
// after submission; the permit freezes a copy of it.
type OperationDescriptor struct {
	Action         string         `json:"action"`
	Resources      []string       `json:"resources,omitempty"`
	Domain         string         `json:"domain,omitempty"`
	Environment    Environment    `json:"environment"`
	Reversibility  Reversibility  `json:"reversibility"`
	Sensitive      SensitiveData  `json:"sensitive"`
	ImpactScope    ImpactScope    `json:"impact_scope"`
	CustomerImpact CustomerImpact `json:"customer_impact"`
	ReadOnly       bool           `json:"read_only,omitempty"`
	Emergency      bool           `json:"emergency,omitempty"`
}

// Covers reports whether resource lies inside the descriptor's frozen scope.
func (d OperationDescriptor) Covers(resource string) bool {
	for _, r := range d.Resources {
		if r == resource {
			return true
		}
	}
	return false
}
