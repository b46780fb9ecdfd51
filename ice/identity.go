package ice

import "strings"

// identity is the legacy (name, category) pair the ice wire format encodes
// in place of a path. The core's data model only has Proxy.Path (spec §3);
// this connection derives an identity from it so it can still speak the
// wire protocol unchanged, and reconstructs a path on decode.
type identity struct {
	Name     string
	Category string
}

// pathToIdentity splits an absolute path "/category/.../name" into an
// identity: the last segment is the name, everything before it (without
// the leading/trailing slashes) is the category. "/name" has an empty
// category, matching the legacy convention of an object directly under the
// root.
func pathToIdentity(path string) identity {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return identity{Name: trimmed}
	}
	return identity{Name: trimmed[idx+1:], Category: trimmed[:idx]}
}

// identityToPath is the inverse of pathToIdentity.
func identityToPath(id identity) string {
	if id.Category == "" {
		return "/" + id.Name
	}
	return "/" + id.Category + "/" + id.Name
}
