// backup/acl_linux.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"encoding/base64"

	u "github.com/mmp/bkcas/util"
	"golang.org/x/sys/unix"
)

const aclXattr = "system.posix_acl_access"

// XattrACL stores a file's POSIX access ACL, base64 encoded.
type XattrACL struct{}

func (XattrACL) Get(path string) (string, error) {
	for {
		sz, err := unix.Getxattr(path, aclXattr, nil)
		if noACL(err) {
			return "", nil
		} else if err != nil {
			return "", u.Wrapf(u.ErrIO, err, "%s: getxattr", path)
		}
		buf := make([]byte, sz)
		n, err := unix.Getxattr(path, aclXattr, buf)
		if err == unix.ERANGE {
			// It grew in between the two calls.
			continue
		} else if noACL(err) {
			return "", nil
		} else if err != nil {
			return "", u.Wrapf(u.ErrIO, err, "%s: getxattr", path)
		}
		return base64.StdEncoding.EncodeToString(buf[:n]), nil
	}
}

func (XattrACL) Set(path, acl string) error {
	if acl == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(acl)
	if err != nil {
		return u.Wrapf(u.ErrSerialization, err, "%s: ACL", path)
	}
	return u.Wrapf(u.ErrIO, unix.Setxattr(path, aclXattr, b, 0), "%s: setxattr", path)
}

func noACL(err error) bool {
	return err == unix.ENODATA || err == unix.ENOTSUP || err == unix.EOPNOTSUPP
}
