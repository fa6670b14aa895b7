package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Request semantics.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrShapeMismatch = "E_SHAPE_MISMATCH"
	ErrNotAdapted    = "E_NOT_ADAPTED"
	ErrLimit         = "E_LIMIT"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrShapeMismatch:   {},
	ErrNotAdapted:      {},
	ErrLimit:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
