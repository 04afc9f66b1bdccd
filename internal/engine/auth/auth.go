package auth

import (
	"fmt"
	"sort"
	"strings"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleProgrammer = "programmer"
)

const (
	PermEquipmentCreate      = "equipment.create"
	PermEquipmentUpdate      = "equipment.update"
	PermEquipmentDelete      = "equipment.delete"
	PermEquipmentClearManual = "equipment.clear_manual"
	PermArchiveLaunch        = "archive.launch"
	PermSyncRun              = "sync.run"
)

var rolePermissions = map[string][]string{
	RoleAdmin: {
		PermEquipmentCreate, PermEquipmentUpdate, PermEquipmentDelete,
		PermEquipmentClearManual, PermArchiveLaunch, PermSyncRun,
	},
	RoleDispatcher: {PermEquipmentCreate, PermEquipmentUpdate, PermArchiveLaunch},
	RoleProgrammer: {PermEquipmentCreate, PermEquipmentUpdate, PermSyncRun},
}

// Roles lists the known roles.
func Roles() []string {
	out := make([]string, 0, len(rolePermissions))
	for r := range rolePermissions {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// ValidRole reports whether role is known.
func ValidRole(role string) bool {
	_, ok := rolePermissions[normalize(role)]
	return ok
}

// Permissions returns the sorted union of permissions granted by roles.
func Permissions(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roles {
		for _, p := range rolePermissions[normalize(r)] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Require returns ForbiddenError unless one of roles grants perm.
func Require(roles []string, perm string) error {
	for _, r := range roles {
		for _, p := range rolePermissions[normalize(r)] {
			if p == perm {
				return nil
			}
		}
	}
	return ForbiddenError{Permission: perm}
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
