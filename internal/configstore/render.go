package configstore

import (
	"fmt"
	"strings"
	"text/template"
)

// ClientConfigParams holds everything needed to render one client config.
type ClientConfigParams struct {
	ClientPrivateKey string
	ClientAddress    string
	DNS              string
	ServerPublicKey  string
	ServerEndpoint   string // host:port of the session instance
	AllowedIPs       string
	Keepalive        int // seconds; 0 omits the line
}

const clientConfigTemplate = `[Interface]
PrivateKey = {{ .ClientPrivateKey }}
Address = {{ .ClientAddress }}
{{- if .DNS }}
DNS = {{ .DNS }}
{{- end }}

[Peer]
PublicKey = {{ .ServerPublicKey }}
Endpoint = {{ .ServerEndpoint }}
AllowedIPs = {{ .AllowedIPs }}
{{- if gt .Keepalive 0 }}
PersistentKeepalive = {{ .Keepalive }}
{{- end }}
`

var clientConfigTmpl = template.Must(template.New("client-config").Parse(clientConfigTemplate))

// defaults applied when a parameter is left empty.
const (
	defaultClientAddress = "10.64.0.2/32"
	defaultAllowedIPs    = "0.0.0.0/0, ::/0"
	defaultKeepalive     = 25
)

// RenderClientConfig produces the WireGuard configuration file contents
// for a session's client.
func RenderClientConfig(params ClientConfigParams) (string, error) {
	if params.ClientPrivateKey == "" {
		return "", fmt.Errorf("client private key is required")
	}
	if params.ServerPublicKey == "" {
		return "", fmt.Errorf("server public key is required")
	}
	if params.ServerEndpoint == "" {
		return "", fmt.Errorf("server endpoint is required")
	}
	if params.ClientAddress == "" {
		params.ClientAddress = defaultClientAddress
	}
	if params.AllowedIPs == "" {
		params.AllowedIPs = defaultAllowedIPs
	}
	if params.Keepalive == 0 {
		params.Keepalive = defaultKeepalive
	}

	var b strings.Builder
	if err := clientConfigTmpl.Execute(&b, params); err != nil {
		return "", fmt.Errorf("failed to render client config: %w", err)
	}
	return b.String(), nil
}
