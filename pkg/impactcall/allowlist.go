package impactcall

// libcSyscallFunctions is the fixed allow-list of libc entry points known to
// issue a syscall, grounded on the original implementation's
// IsImpactfulFunction table. No phase of the pipeline consults it:
// impactful activations come only from Extract's replay of the
// syscall-level trace.
var libcSyscallFunctions = map[string]bool{
	"read":    true,
	"write":   true,
	"open":    true,
	"openat":  true,
	"close":   true,
	"fopen":   true,
	"fclose":  true,
	"fread":   true,
	"fwrite":  true,
	"mmap":    true,
	"munmap":  true,
	"brk":     true,
	"sbrk":    true,
	"malloc":  true,
	"free":    true,
	"exit":    true,
	"_exit":   true,
	"fork":    true,
	"execve":  true,
	"socket":  true,
	"connect": true,
	"accept":  true,
	"send":    true,
	"recv":    true,
	"sendto":  true,
	"recvfrom": true,
	"ioctl":   true,
	"fcntl":   true,
	"stat":    true,
	"fstat":   true,
	"lstat":   true,
	"lseek":   true,
	"unlink":  true,
	"mkdir":   true,
	"rmdir":   true,
	"pipe":    true,
	"dup":     true,
	"dup2":    true,
	"kill":    true,
	"clock_gettime": true,
	"gettimeofday":  true,
	"nanosleep":     true,
}

// IsImpactfulFunction reports whether name is in the fixed table of libc
// functions known to issue a syscall.
func IsImpactfulFunction(name string) bool {
	return libcSyscallFunctions[name]
}
