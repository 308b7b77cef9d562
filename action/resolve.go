package action

// Resolve picks the winning version of one action seen by two writers.
// The newer UpdatedAt wins; ties keep local so a merge never rewrites an
// already persisted value. Resolve(x, x) == x.
func Resolve(local, remote Action) Action {
	if !local.UpdatedAt.Before(remote.UpdatedAt) {
		return local
	}
	return remote
}
