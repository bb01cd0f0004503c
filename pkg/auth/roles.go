package auth

import (
	"github.com/rotisserie/eris"
	"github.com/zpatrick/rbac"
)

// ErrInvalidRole is returned if a token has an unknown role
var ErrInvalidRole = eris.New("invalid user role")

type Permission string

const (
	// Catalog [takes CatalogBag]
	PermViewCatalog    Permission = "ViewCatalog"
	PermRefreshCatalog Permission = "RefreshCatalog"

	// Caches [takes CacheBag]
	PermViewCache  Permission = "ViewCache"
	PermPurgeCache Permission = "PurgeCache"
)

// perm is a helper that makes the permissions list below a bit nicer to read
func perm(permission Permission, matcher rbac.Matcher) rbac.Permission {
	return rbac.NewPermission(rbac.StringMatch(string(permission)), matcher)
}

// cacheIn matches CacheBags naming one of the given caches
func cacheIn(caches ...string) rbac.Matcher {
	return func(target string) (bool, error) {
		bag := CacheBag{}
		if err := UnmarshalBag(target, &bag); err != nil {
			return false, eris.Wrapf(err, "failed to parse target")
		}

		for _, c := range caches {
			if bag.Cache == c {
				return true, nil
			}
		}
		return false, nil
	}
}

var roles = map[string]rbac.Role{
	"viewer": {
		RoleID: "viewer",
		Permissions: []rbac.Permission{
			perm(PermViewCatalog, rbac.Anything),
			perm(PermViewCache, rbac.Anything),
		},
	},
	"operator": {
		RoleID: "operator",
		Permissions: []rbac.Permission{
			perm(PermViewCatalog, rbac.Anything),
			perm(PermRefreshCatalog, rbac.Anything),
			perm(PermViewCache, rbac.Anything),

			// operators can drop rendered output but not the opened datasets
			perm(PermPurgeCache, cacheIn("tiles", "plots")),
		},
	},
	"admin": {
		RoleID: "admin",
		Permissions: []rbac.Permission{
			// admins can do anything
			rbac.NewGlobPermission("*", "*"),
		},
	},
}

// Roles returns the known role IDs
func Roles() []string {
	return []string{"viewer", "operator", "admin"}
}

// getRbacRole returns the matching rbac.Role for the given role ID
func getRbacRole(roleID string) (rbac.Role, error) {
	role, ok := roles[roleID]
	if !ok {
		return rbac.Role{}, eris.Wrapf(ErrInvalidRole, ": %s", roleID)
	}

	return role, nil
}
