package gateway

import "encoding/json"

// ProtocolVersion is the Gateway protocol revision this client speaks.
const ProtocolVersion = 3

// Methods the client issues on its own behalf.
const (
	MethodConnect   = "connect"
	MethodPing      = "ping"
	MethodSubscribe = "subscribe"
)

// Close codes used when the client tears a socket down itself.
const (
	CloseNormal          = 1000
	CloseProtocolError   = 1002
	CloseHeartbeatFailed = 4000
)

// Challenge is the payload of the connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ClientInfo identifies this client to the Gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Mode     string `json:"mode"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// ConnectAuth carries the bearer credential.
type ConnectAuth struct {
	Token string `json:"token"`
}

// ConnectParams is the params object of the connect request.
type ConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      ClientInfo     `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Caps        []string       `json:"caps"`
	Commands    []string       `json:"commands"`
	Permissions map[string]any `json:"permissions"`
	Auth        ConnectAuth    `json:"auth"`
	Locale      string         `json:"locale"`
	UserAgent   string         `json:"userAgent"`
}

// ServerInfo describes the Gateway that accepted the connection.
type ServerInfo struct {
	Version string `json:"version"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features lists what the Gateway supports.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Policy carries server-dictated client behaviour.
type Policy struct {
	TickIntervalMs int64 `json:"tickIntervalMs"`
}

// HelloOK is the success payload of the connect request.
type HelloOK struct {
	Type     string          `json:"type"`
	Protocol int             `json:"protocol"`
	Server   ServerInfo      `json:"server"`
	Features Features        `json:"features"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Policy   Policy          `json:"policy"`
}

// SupportsMethod reports whether the Gateway advertised method.
func (h *HelloOK) SupportsMethod(method string) bool {
	for _, m := range h.Features.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// SubscribeParams is the params object of the subscribe request.
type SubscribeParams struct {
	Events []string `json:"events"`
}
