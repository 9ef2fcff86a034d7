package defs

// Pid_t identifies a process; Tid_t identifies a thread. Both are
// small positive integers handed out by the scheduler/process table.
type Pid_t int
type Tid_t int

// Tid_t also doubles as a futex/condvar address tag in a couple of
// call sites, so keep it ordered.
