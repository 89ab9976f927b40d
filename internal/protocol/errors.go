package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrBadAuth         = "E_BAD_AUTH"
	ErrPaletteMismatch = "E_PALETTE_MISMATCH"

	// Edit layer.
	ErrUnknownBlock = "E_UNKNOWN_BLOCK"
	ErrOutOfBounds  = "E_OUT_OF_BOUNDS"
	ErrConflict     = "E_CONFLICT"
	ErrRateLimit    = "E_RATE_LIMIT"
	ErrStale        = "E_STALE"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadAuth:         {},
	ErrPaletteMismatch: {},
	ErrUnknownBlock:    {},
	ErrOutOfBounds:     {},
	ErrConflict:        {},
	ErrRateLimit:       {},
	ErrStale:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
