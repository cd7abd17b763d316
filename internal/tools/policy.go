package tools

import (
	"strings"
	"sync"

	"github.com/nexuscore/nexus/pkg/models"
)

// Profile is a pre-configured tool-approval access level, adapted from the
// teacher's tools/policy.Profile to this spec's single axis of concern:
// which tool calls may run without a human decision.
type Profile string

const (
	ProfileMinimal Profile = "minimal"
	ProfileCoding  Profile = "coding"
	ProfileFull    Profile = "full"
)

// DefaultGroups are the named tool groups a Policy's Allow/Deny lists may
// reference via "group:name", mirroring the teacher's policy/groups.go.
var DefaultGroups = map[string][]string{
	"group:fs":      {"filesystem_list_directory", "filesystem_read_file", "filesystem_write_file"},
	"group:memory":  {"memory_search", "memory_add"},
	"group:browser": {"browser_navigate", "browser_content"},
	"group:vnc":     {"vnc_click"},
}

// Policy combines a profile baseline with explicit allow/deny overrides.
// Deny always takes precedence over allow, matching the teacher's
// resolver semantics.
type Policy struct {
	Profile Profile
	Allow   []string
	Deny    []string
}

// Resolver decides, for a Policy and a tool name, whether that tool may
// run without interactive approval.
type Resolver struct{}

// NewResolver constructs a Resolver.
func NewResolver() *Resolver { return &Resolver{} }

// IsAllowed reports whether toolName may run without approval under p.
func (r *Resolver) IsAllowed(p *Policy, toolName string) bool {
	if p == nil {
		return false
	}
	if r.matchesAny(p.Deny, toolName) {
		return false
	}
	if r.matchesAny(p.Allow, toolName) {
		return true
	}
	switch p.Profile {
	case ProfileFull:
		return true
	case ProfileCoding:
		return r.matchesAny(DefaultGroups["group:fs"], toolName) || r.matchesAny(DefaultGroups["group:memory"], toolName)
	case ProfileMinimal:
		return false
	default:
		return false
	}
}

func (r *Resolver) matchesAny(patterns []string, toolName string) bool {
	for _, p := range patterns {
		if strings.HasPrefix(p, "group:") {
			if r.matchesAny(DefaultGroups[p], toolName) {
				return true
			}
			continue
		}
		if p == toolName {
			return true
		}
	}
	return false
}

// ApprovalPolicy implements toolloop.ApprovalPolicy: it resolves a
// session's Policy (the constructor's default policy, or ProfileFull,
// which allows every tool, when that is nil) and reports whether any call in a batch still needs a human
// decision even though the session has AutoApprove set.
type ApprovalPolicy struct {
	mu            sync.RWMutex
	resolver      *Resolver
	policies      map[string]*Policy // keyed by session ID; nil entry == default
	defaultPolicy *Policy
}

// NewApprovalPolicy constructs an ApprovalPolicy. defaultPolicy is used for
// any session without an explicit override.
func NewApprovalPolicy(defaultPolicy *Policy) *ApprovalPolicy {
	if defaultPolicy == nil {
		defaultPolicy = &Policy{Profile: ProfileFull}
	}
	return &ApprovalPolicy{resolver: NewResolver(), policies: make(map[string]*Policy), defaultPolicy: defaultPolicy}
}

// SetPolicy overrides the policy used for sessionID.
func (a *ApprovalPolicy) SetPolicy(sessionID string, p *Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policies[sessionID] = p
}

// RequiresApproval implements toolloop.ApprovalPolicy.
func (a *ApprovalPolicy) RequiresApproval(session *models.Session, calls []models.ToolCall) bool {
	a.mu.RLock()
	policy, ok := a.policies[session.ID]
	a.mu.RUnlock()
	if !ok {
		policy = a.defaultPolicy
	}
	for _, call := range calls {
		if !a.resolver.IsAllowed(policy, call.Name) {
			return true
		}
	}
	return false
}
