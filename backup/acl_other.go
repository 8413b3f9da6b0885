// backup/acl_other.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build !linux

package backup

// XattrACL is only implemented on Linux; elsewhere it behaves like NopACL.
type XattrACL struct{ NopACL }
