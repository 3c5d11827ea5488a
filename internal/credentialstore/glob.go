package credentialstore

import "github.com/ryanuber/go-glob"

// globMatch reports whether the opaque permission pattern matches the
// requested permission string. Permissions are opaque strings per the
// data model; glob wildcards ("backup.*") are the one structural rule
// imposed on top of that opacity so AuthzError means something concrete.
func globMatch(pattern, want string) bool {
	if pattern == want {
		return true
	}
	return glob.Glob(pattern, want)
}
