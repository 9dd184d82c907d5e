package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session routing/state.
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrCatalogMismatch = "E_CATALOG_MISMATCH"
	ErrSessionBusy     = "E_SESSION_BUSY"

	// Replication layer.
	ErrBadPayload = "E_BAD_PAYLOAD"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrSessionNotFound: {},
	ErrCatalogMismatch: {},
	ErrSessionBusy:     {},
	ErrBadPayload:      {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
