//go:build unix

package workerproc

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// dropPrivileges switches the calling process's gid then uid to the named
// user/group, in that order (group must drop first: a process that has
// already dropped to an unprivileged uid can no longer change its gid).
// An empty userName or groupName skips that half.
func dropPrivileges(userName, groupName string) error {
	if groupName != "" {
		gid, err := lookupGID(groupName)
		if err != nil {
			return err
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid(%d): %w", gid, err)
		}
	}
	if userName != "" {
		uid, err := lookupUID(userName)
		if err != nil {
			return err
		}
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid(%d): %w", uid, err)
		}
	}
	return nil
}

func lookupUID(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("lookup user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, fmt.Errorf("user %q has non-numeric uid %q", name, u.Uid)
	}
	return uid, nil
}

func lookupGID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("lookup group %q: %w", name, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("group %q has non-numeric gid %q", name, g.Gid)
	}
	return gid, nil
}
