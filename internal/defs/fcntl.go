package defs

// open(2) flag bits accepted at the syscall boundary. Values follow
// the usual x86-64 Linux ABI so userspace headers line up.
const (
	O_RDONLY    = 0x0
	O_WRONLY    = 0x1
	O_RDWR      = 0x2
	O_CREAT     = 0x40
	O_EXCL      = 0x80
	O_TRUNC     = 0x200
	O_APPEND    = 0x400
	O_NONBLOCK  = 0x800
	O_DIRECTORY = 0x10000
	O_NOFOLLOW  = 0x20000
	O_CLOEXEC   = 0x80000
)

// AT_FDCWD makes an *at syscall resolve relative paths against the
// process cwd instead of a directory descriptor.
const AT_FDCWD = -100

// mmap(2) protection and flag bits.
const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4

	MAP_SHARED    = 0x1
	MAP_PRIVATE   = 0x2
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

// getclock(2) clock selectors.
const (
	CLOCK_REALTIME  = 0
	CLOCK_MONOTONIC = 1
)
