// Package budget enforces resource guardrails on research runs: tool-use
// steps, wall-clock time, tokens and dollar cost. Limits are optional;
// a nil limit means unbounded.
package budget

import "fmt"

// Config defines the guardrails for a run or a single worker assignment.
type Config struct {
	MaxSteps          *int
	MaxTokens         *int64
	MaxCost           *float64
	MaxTimeSeconds    *int64
	ApprovalThreshold *float64
	RequireApproval   bool
}

// Validate ensures the limit values are sane before use.
func (c Config) Validate() error {
	if c.MaxSteps != nil && *c.MaxSteps < 0 {
		return fmt.Errorf("max_steps cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	if c.ApprovalThreshold != nil {
		if *c.ApprovalThreshold < 0 {
			return fmt.Errorf("approval_threshold cannot be negative")
		}
		if c.MaxCost != nil && *c.ApprovalThreshold > *c.MaxCost {
			return fmt.Errorf("approval_threshold cannot exceed max_cost")
		}
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	clone := Config{RequireApproval: c.RequireApproval}
	if c.MaxSteps != nil {
		v := *c.MaxSteps
		clone.MaxSteps = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxCost != nil {
		v := *c.MaxCost
		clone.MaxCost = &v
	}
	if c.MaxTimeSeconds != nil {
		v := *c.MaxTimeSeconds
		clone.MaxTimeSeconds = &v
	}
	if c.ApprovalThreshold != nil {
		v := *c.ApprovalThreshold
		clone.ApprovalThreshold = &v
	}
	return clone
}

// Merge overlays non-nil values from override onto base. The supervisor
// uses this to apply per-request overrides on top of configured defaults.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxSteps != nil {
		v := *override.MaxSteps
		result.MaxSteps = &v
	}
	if override.MaxTokens != nil {
		v := *override.MaxTokens
		result.MaxTokens = &v
	}
	if override.MaxCost != nil {
		v := *override.MaxCost
		result.MaxCost = &v
	}
	if override.MaxTimeSeconds != nil {
		v := *override.MaxTimeSeconds
		result.MaxTimeSeconds = &v
	}
	if override.ApprovalThreshold != nil {
		v := *override.ApprovalThreshold
		result.ApprovalThreshold = &v
	}
	if override.RequireApproval {
		result.RequireApproval = true
	}
	return result
}

// IsZero reports whether the config defines no explicit limits or
// requirements.
func (c Config) IsZero() bool {
	return c.MaxSteps == nil && c.MaxTokens == nil && c.MaxCost == nil &&
		c.MaxTimeSeconds == nil && c.ApprovalThreshold == nil && !c.RequireApproval
}

// RequiresApproval reports whether a run must be approved by a human
// before research begins, based on the config and the planner's cost
// estimate.
func RequiresApproval(cfg Config, estimatedCost float64) bool {
	if cfg.RequireApproval {
		return true
	}
	return cfg.ApprovalThreshold != nil && estimatedCost > *cfg.ApprovalThreshold
}
