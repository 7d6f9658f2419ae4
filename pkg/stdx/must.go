// Package stdx holds small standard-library shaped helpers that have no
// better home.
package stdx

// Must panics if err is not nil, otherwise it returns v. Reserved for
// program initialization paths where an error means a programming mistake.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
