package kernel

// Credentials holds the real/effective/saved uid and gid sets named in
// spec.md's Data Model for Process.
type Credentials struct {
	RUID, EUID, SUID uint32
	RGID, EGID, SGID uint32
}

// Fork returns a copy of c; credentials are duplicated wholesale on
// uproc_clone (spec.md §4.1) and only change explicitly via setuid/setgid
// family syscalls (out of this module's named surface) or execve of a
// privileged binary (set-user/group-ID bits are explicitly out of scope,
// per the task_exec.go grounding note: "we currently do not implement
// privileged executables").
func (c Credentials) Fork() Credentials { return c }

// HasPermission reports whether these credentials may signal a process
// owned by target: the caller's euid equals the target's real or saved
// uid, or the caller's euid is 0. This is the
// minimal check spec.md §7 PermissionDenied requires; a full capability
// model is out of scope.
func (c Credentials) HasPermission(target Credentials) bool {
	return c.EUID == 0 || c.EUID == target.RUID || c.EUID == target.SUID
}
