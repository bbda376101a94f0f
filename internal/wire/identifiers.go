package wire

// IdentifierType tags which concrete identifier a SimIdentifier carries.
type IdentifierType byte

const (
	IdentifierIccid IdentifierType = 0
	IdentifierImsi  IdentifierType = 1
)

func (t IdentifierType) String() string {
	switch t {
	case IdentifierIccid:
		return "iccid"
	case IdentifierImsi:
		return "imsi"
	default:
		return "unknown"
	}
}

func onlyDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Imsi is an ASCII-digit International Mobile Subscriber Identity, 5..15
// digits long.
type Imsi struct {
	value string
}

// ImsiWireLength is the fixed, zero-padded on-the-wire size of an Imsi.
const ImsiWireLength = 15

// NewImsi validates s as digits-only, length 5..15, and wraps it.
func NewImsi(s string) (Imsi, error) {
	if len(s) < 5 || len(s) > 15 || !onlyDigits([]byte(s)) {
		return Imsi{}, ErrMalformed
	}
	return Imsi{value: s}, nil
}

func (i Imsi) String() string                { return i.value }
func (i Imsi) IdentifierType() IdentifierType { return IdentifierImsi }

// Encode zero-pads the digits to ImsiWireLength bytes.
func (i Imsi) Encode() []byte {
	b := make([]byte, ImsiWireLength)
	copy(b, i.value)
	return b
}

// DecodeImsi strips trailing NULs from a fixed ImsiWireLength-byte field
// and re-validates the remaining digits.
func DecodeImsi(b []byte) (Imsi, error) {
	if len(b) != ImsiWireLength {
		return Imsi{}, ErrMalformed
	}
	trimmed := rstripNul(b)
	if !onlyDigits(trimmed) || len(trimmed) < 5 || len(trimmed) > 15 {
		return Imsi{}, ErrMalformed
	}
	return Imsi{value: string(trimmed)}, nil
}

// Iccid is an ASCII-digit Integrated Circuit Card Identifier, 5..20 digits
// long.
type Iccid struct {
	value string
}

// IccidWireLength is the fixed, zero-padded on-the-wire size of an Iccid.
const IccidWireLength = 20

// NewIccid validates s as digits-only, length 5..20, and wraps it.
func NewIccid(s string) (Iccid, error) {
	if len(s) < 5 || len(s) > 20 || !onlyDigits([]byte(s)) {
		return Iccid{}, ErrMalformed
	}
	return Iccid{value: s}, nil
}

func (i Iccid) String() string                { return i.value }
func (i Iccid) IdentifierType() IdentifierType { return IdentifierIccid }

// Encode zero-pads the digits to IccidWireLength bytes.
func (i Iccid) Encode() []byte {
	b := make([]byte, IccidWireLength)
	copy(b, i.value)
	return b
}

// DecodeIccid strips trailing NULs from a fixed IccidWireLength-byte field
// and re-validates the remaining digits.
func DecodeIccid(b []byte) (Iccid, error) {
	if len(b) != IccidWireLength {
		return Iccid{}, ErrMalformed
	}
	trimmed := rstripNul(b)
	if !onlyDigits(trimmed) || len(trimmed) < 5 || len(trimmed) > 20 {
		return Iccid{}, ErrMalformed
	}
	return Iccid{value: string(trimmed)}, nil
}

func rstripNul(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0x00 {
		end--
	}
	return b[:end]
}

// SimIdentifier is a tagged union of Imsi|Iccid, usable as a map key so the
// match engine (internal/match) can key its waiting-provider table on it
// directly.
type SimIdentifier struct {
	kind  IdentifierType
	imsi  Imsi
	iccid Iccid
}

// NewSimIdentifierImsi wraps an Imsi as a SimIdentifier.
func NewSimIdentifierImsi(i Imsi) SimIdentifier {
	return SimIdentifier{kind: IdentifierImsi, imsi: i}
}

// NewSimIdentifierIccid wraps an Iccid as a SimIdentifier.
func NewSimIdentifierIccid(i Iccid) SimIdentifier {
	return SimIdentifier{kind: IdentifierIccid, iccid: i}
}

// IdentifierType reports which concrete identifier this carries.
func (s SimIdentifier) IdentifierType() IdentifierType { return s.kind }

// String renders the underlying digit string, useful for logging.
func (s SimIdentifier) String() string {
	if s.kind == IdentifierImsi {
		return s.imsi.String()
	}
	return s.iccid.String()
}

// Imsi returns the wrapped Imsi and whether this identifier is one.
func (s SimIdentifier) Imsi() (Imsi, bool) {
	return s.imsi, s.kind == IdentifierImsi
}

// Iccid returns the wrapped Iccid and whether this identifier is one.
func (s SimIdentifier) Iccid() (Iccid, bool) {
	return s.iccid, s.kind == IdentifierIccid
}
