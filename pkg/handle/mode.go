package handle

// BaseMode is the access intent declared on a handle, independent of the
// commute modifier (spec.md §3.1 current_mode, §GLOSSARY Mode).
type BaseMode int

const (
	Read BaseMode = iota
	Write
	ReadWrite
	Scratch
	Reduction
)

func (m BaseMode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read_write"
	case Scratch:
		return "scratch"
	case Reduction:
		return "reduction"
	default:
		return "unknown"
	}
}

// readIsh reports whether m is a mode whose waiters aggregate for
// reader-counting purposes: read or reduction. Mixed read/reduction groups
// never aggregate together (promoteLocked only groups waiters with the
// head's exact base mode) — see SPEC_FULL.md's resolution of the "mixed
// read/reduction promotion" open question.
func readIsh(m BaseMode) bool {
	return m == Read || m == Reduction
}

// Mode is a full access mode: a base mode plus the commute modifier.
// Commute-mode buffers are never acquired through Handle.Acquire directly —
// they are acquired through the arbiter governing the handle (§4.2) — but
// the type lives here because a handle holds at most one "current" Mode
// regardless of who took it.
type Mode struct {
	Base    BaseMode
	Commute bool
}

func ModeRead() Mode      { return Mode{Base: Read} }
func ModeWrite() Mode     { return Mode{Base: Write} }
func ModeReadWrite() Mode { return Mode{Base: ReadWrite} }
func ModeScratch() Mode   { return Mode{Base: Scratch} }
func ModeReduction() Mode { return Mode{Base: Reduction} }

// ModeCommute wraps a base mode with the commute modifier; commute(mode)
// per spec.md §3.1's mode enumeration.
func ModeCommute(base BaseMode) Mode { return Mode{Base: base, Commute: true} }

// IsWriteIsh reports whether the mode is exclusive (write or read-write):
// spec.md §4.1 "Write-ish modes (write, read-write) are exclusive."
func (m Mode) IsWriteIsh() bool {
	return m.Base == Write || m.Base == ReadWrite
}

func (m Mode) String() string {
	if m.Commute {
		return "commute(" + m.Base.String() + ")"
	}
	return m.Base.String()
}

// compatible reports whether two non-commute modes may be held
// simultaneously, per the §4.1 compatibility rule: both read, or both
// reduction; scratch never contends.
func compatible(a, b Mode) bool {
	if a.Base == Scratch || b.Base == Scratch {
		return true
	}
	if a.Base == Read && b.Base == Read {
		return true
	}
	if a.Base == Reduction && b.Base == Reduction {
		return true
	}
	return false
}
