// Package topic defines the broadcast channel namespace used for subscriptions,
// gateway groups and push fan-out.
//
// Topic names are plain strings made of letters, digits and underscores. A name is
// valid when it is one of the predefined literals or carries one of the derived
// prefixes (role_, case_, region_, priority_, custom_).
package topic

import (
	"errors"
	"sort"
	"strings"
)

// ErrInvalidTopic is returned when a topic name is outside the namespace.
var ErrInvalidTopic = errors.New("invalid topic")

// MaxLength is the maximum length of a topic name.
const MaxLength = 100

// Predefined topics.
const (
	OrgAll            = "org_all"
	OrgSystem         = "org_system"
	OrgAdmins         = "org_admins"
	NewCases          = "new_cases"
	CaseUpdates       = "case_updates"
	SystemMaintenance = "system_maintenance"
)

// Derived topic prefixes.
const (
	PrefixRole     = "role_"
	PrefixCase     = "case_"
	PrefixRegion   = "region_"
	PrefixPriority = "priority_"
	PrefixCustom   = "custom_"
)

// Known roles.
const (
	RoleAdmin       = "admin"
	RoleModerator   = "moderator"
	RoleCoordinator = "coordinator"
	RoleRunner      = "runner"
	RoleFamily      = "family"
	RolePublic      = "public"
)

// Entity classes that change events are raised for. They mirror the
// changefeed package but are kept here so the registry has no dependencies.
const (
	ClassUser         = "user"
	ClassAdminProfile = "admin_profile"
	ClassRunner       = "runner"
	ClassCase         = "case"
	ClassPublicCase   = "public_case"
)

var predefined = map[string]struct{}{
	OrgAll:            {},
	OrgSystem:         {},
	OrgAdmins:         {},
	NewCases:          {},
	CaseUpdates:       {},
	SystemMaintenance: {},
}

var derivedPrefixes = []string{PrefixRole, PrefixCase, PrefixRegion, PrefixPriority, PrefixCustom}

// roleTopics lists the extra topics each role joins on top of the org topics.
var roleTopics = map[string][]string{
	RoleAdmin:       {Role(RoleAdmin), OrgAdmins, Priority("urgent"), NewCases},
	RoleModerator:   {Role(RoleModerator), OrgAdmins, Priority("urgent"), NewCases},
	RoleCoordinator: {Role(RoleCoordinator), NewCases, CaseUpdates},
	RoleRunner:      {Role(RoleRunner), NewCases},
	RoleFamily:      {Role(RoleFamily), CaseUpdates},
	RolePublic:      {Role(RolePublic)},
}

// Role returns the role topic for a role name.
func Role(role string) string { return PrefixRole + role }

// Case returns the per-case topic.
func Case(caseID string) string { return PrefixCase + caseID }

// Region returns the geographic topic for a region code.
func Region(region string) string { return PrefixRegion + region }

// Priority returns the priority topic for a priority level.
func Priority(level string) string { return PrefixPriority + level }

// Custom returns the custom topic name for a user-created slug.
func Custom(slug string) string { return PrefixCustom + slug }

// IsPrivilegedRole reports whether the role takes part in presence.
func IsPrivilegedRole(role string) bool {
	return role == RoleAdmin || role == RoleModerator
}

// AllowedFor reports whether role may subscribe to or join name. The admin
// groups are closed to unprivileged roles.
func AllowedFor(role, name string) bool {
	if IsPrivilegedRole(role) {
		return true
	}
	switch name {
	case OrgAdmins, Role(RoleAdmin), Role(RoleModerator):
		return false
	}
	return true
}

// RoleTopics returns the role-specific topics. Unknown roles yield nil.
func RoleTopics(role string) []string {
	topics := roleTopics[role]
	if len(topics) == 0 {
		return nil
	}
	out := make([]string, len(topics))
	copy(out, topics)
	return out
}

// DefaultTopics returns {org_all, org_system} plus the role topics, sorted and
// without duplicates.
func DefaultTopics(role string) []string {
	set := map[string]struct{}{OrgAll: {}, OrgSystem: {}}
	for _, t := range roleTopics[role] {
		set[t] = struct{}{}
	}
	return sortedKeys(set)
}

// ForChange returns the gateway groups an entity change is fanned out to.
func ForChange(entityClass, entityID string) []string {
	switch entityClass {
	case ClassCase:
		return []string{OrgAdmins, Case(entityID)}
	case ClassPublicCase:
		return []string{OrgAdmins, OrgAll, Case(entityID)}
	default:
		return []string{OrgAdmins}
	}
}

// IsPredefined reports whether name is one of the literal topics.
func IsPredefined(name string) bool {
	_, ok := predefined[name]
	return ok
}

// IsCustom reports whether name is in the custom namespace.
func IsCustom(name string) bool {
	return strings.HasPrefix(name, PrefixCustom) && len(name) > len(PrefixCustom)
}

// Validate checks that name belongs to the topic namespace.
func Validate(name string) error {
	if name == "" || len(name) > MaxLength || !validChars(name) {
		return ErrInvalidTopic
	}
	if IsPredefined(name) {
		return nil
	}
	for _, prefix := range derivedPrefixes {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return nil
		}
	}
	return ErrInvalidTopic
}

// IsValid is Validate as a boolean.
func IsValid(name string) bool {
	return Validate(name) == nil
}

func validChars(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
