package vmem

import "github.com/hostmem/hostmem/internal/platform"

// Mode is the read/write/execute capability triple governing what operations
// on a range of pages succeed versus fault. The zero value is no access.
// Modes are immutable: derived modes are produced by copy, never mutation.
type Mode struct {
	read, write, exec bool
}

// Commonly requested protection modes.
var (
	NoAccess         = Mode{}
	ReadOnly         = Mode{read: true}
	ReadWrite        = Mode{read: true, write: true}
	ReadExecute      = Mode{read: true, exec: true}
	ReadWriteExecute = Mode{read: true, write: true, exec: true}
)

// NewMode constructs a mode from the three capability bits.
func NewMode(read, write, exec bool) Mode {
	return Mode{read: read, write: write, exec: exec}
}

func (m Mode) CanRead() bool    { return m.read }
func (m Mode) CanWrite() bool   { return m.write }
func (m Mode) CanExecute() bool { return m.exec }

// NoExecute returns a copy of m with execute forced off, used when a
// platform cannot create writable+executable pages directly and code must be
// populated as read/write before transitioning to read/execute.
func (m Mode) NoExecute() Mode {
	m.exec = false
	return m
}

// Effective applies the platform capability rounding rules: hardware cannot
// generally express execute-only or write-only pages, so both are promoted
// to readable.
func (m Mode) Effective() Mode {
	if m.write || m.exec {
		m.read = true
	}
	return m
}

// Superset reports whether m grants every capability n grants.
func (m Mode) Superset(n Mode) bool {
	return (m.read || !n.read) && (m.write || !n.write) && (m.exec || !n.exec)
}

// String renders the mode in ls -l style, e.g. "rw-" or "r-x". Diagnostics
// only.
func (m Mode) String() string {
	b := []byte("---")
	if m.read {
		b[0] = 'r'
	}
	if m.write {
		b[1] = 'w'
	}
	if m.exec {
		b[2] = 'x'
	}
	return string(b)
}

func (m Mode) prot() platform.Prot {
	var p platform.Prot
	if m.read {
		p |= platform.ProtRead
	}
	if m.write {
		p |= platform.ProtWrite
	}
	if m.exec {
		p |= platform.ProtExec
	}
	return p
}
