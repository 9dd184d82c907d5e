package protocol

import "encoding/json"

// HELLO (peer -> server)
type HelloMsg struct {
	Type              string   `json:"type"`
	ProtocolVersion   string   `json:"protocol_version"`
	SupportedVersions []string `json:"supported_versions,omitempty"`
	PeerName          string   `json:"peer_name"`
	SessionID         string   `json:"session_id,omitempty"`
	CatalogDigest     string   `json:"catalog_digest,omitempty"`
}

// WELCOME (server -> peer)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	PeerID          string   `json:"peer_id"`
	SessionID       string   `json:"session_id"`
	TickRateHz      int      `json:"tick_rate_hz"`
	CatalogDigest   string   `json:"catalog_digest"`
	Channels        []string `json:"channels"`
}

// SYNC carries one replication channel payload. It flows in both directions;
// the server relays it to every other peer.
type SyncMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Channel         string          `json:"channel"`
	Seq             uint64          `json:"seq"`
	Origin          string          `json:"origin"`
	Tick            uint64          `json:"tick,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}

// SupportsVersion reports whether Version is the requested version or in the
// peer's supported list.
func (h HelloMsg) SupportsVersion() bool {
	if h.ProtocolVersion == Version {
		return true
	}
	for _, v := range h.SupportedVersions {
		if v == Version {
			return true
		}
	}
	return false
}
