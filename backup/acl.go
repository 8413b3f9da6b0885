// backup/acl.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import "github.com/spf13/afero"

// ACLProvider reads and applies a path's access control list. The ACL is
// an opaque string as far as the rest of the system is concerned; "" means
// the path has none.
type ACLProvider interface {
	Get(path string) (string, error)
	Set(path, acl string) error
}

// NopACL neither captures nor applies ACLs.
type NopACL struct{}

func (NopACL) Get(path string) (string, error) { return "", nil }
func (NopACL) Set(path, acl string) error      { return nil }

// DefaultACL returns the ACLProvider to use with the given filesystem.
// ACLs are only meaningful on the host's real filesystem.
func DefaultACL(fs afero.Fs) ACLProvider {
	if _, ok := fs.(*afero.OsFs); ok {
		return XattrACL{}
	}
	return NopACL{}
}
