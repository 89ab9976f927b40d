package protocol

// HELLO (client -> server). Sent first on every connection.
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ClientID        string     `json:"client_id"`
	ClientName      string     `json:"client_name,omitempty"`
	LastTick        uint64     `json:"last_tick,omitempty"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

// HelloAuth carries an opaque identity token.
type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client). No edit is transmitted before it arrives.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	ClientID        string `json:"client_id"`
	PaletteDigest   string `json:"palette_digest"`
	BlockCount      int    `json:"block_count"`
	MaxX            int    `json:"max_x"`
	MaxY            int    `json:"max_y"`
	GridSize        [2]int `json:"grid_size"`
	TickRateHz      int    `json:"tick_rate_hz"`
}

type Coord struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// EDIT (client -> server): one place/break intent.
type EditMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Layer           string `json:"layer"` // "foreground" | "background"
	Coord           Coord  `json:"coord"`
	Kind            string `json:"kind"` // "place" | "break"
	BlockUID        string `json:"block_uid,omitempty"`
}

// UPDATE (server -> client): the authoritative value of one cell as of Tick,
// in the receiving client's tick domain. Accepted=false marks a correction.
type UpdateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Coord           Coord  `json:"coord"`
	Layer           string `json:"layer"`
	BlockUID        string `json:"block_uid,omitempty"` // empty = empty cell
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
}

// WORLD (server -> client): full state as of Tick, the answer to RESYNC_REQ.
type WorldMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	MaxX            int    `json:"max_x"`
	MaxY            int    `json:"max_y"`
	PaletteDigest   string `json:"palette_digest"`
	Foreground      string `json:"foreground"` // RLE, row-major
	Background      string `json:"background"`
}

// RESYNC_REQ (client -> server).
type ResyncReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Reason          string `json:"reason,omitempty"`
}

// ERROR (server -> client), followed by a close for fatal codes.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
