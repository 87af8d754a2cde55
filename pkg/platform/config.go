package platform

import (
	"strings"

	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Транспорты SIP
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportTLS = "tls"
)

// SipConfig параметры SIP учетной записи, передаваемые прослойке
type SipConfig struct {
	// SIPServer адрес SIP сервера (host или host:port)
	SIPServer string `json:"sipServer" yaml:"sip_server"`

	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// Transport udp, tcp или tls; пустое значение оставляет выбор прослойке
	Transport string `json:"transport,omitempty" yaml:"transport"`

	DisplayName string `json:"displayName,omitempty" yaml:"display_name"`
}

// Normalize обрезает пробелы и сбрасывает неизвестный транспорт
func (c SipConfig) Normalize() SipConfig {
	out := SipConfig{
		SIPServer:   strings.TrimSpace(c.SIPServer),
		Username:    strings.TrimSpace(c.Username),
		Password:    c.Password,
		Transport:   strings.ToLower(strings.TrimSpace(c.Transport)),
		DisplayName: strings.TrimSpace(c.DisplayName),
	}
	switch out.Transport {
	case TransportUDP, TransportTCP, TransportTLS:
	default:
		out.Transport = ""
	}
	return out
}

// Validate проверяет обязательные поля
func (c SipConfig) Validate() error {
	if strings.TrimSpace(c.SIPServer) == "" || strings.TrimSpace(c.Username) == "" || strings.TrimSpace(c.Password) == "" {
		return voiperr.New(voiperr.CodeInvalidConfig, "sipServer, username, and password are mandatory")
	}
	return nil
}

// Merge накладывает непустые поля patch поверх c
func (c SipConfig) Merge(patch SipConfig) SipConfig {
	if patch.SIPServer != "" {
		c.SIPServer = patch.SIPServer
	}
	if patch.Username != "" {
		c.Username = patch.Username
	}
	if patch.Password != "" {
		c.Password = patch.Password
	}
	if patch.Transport != "" {
		c.Transport = patch.Transport
	}
	if patch.DisplayName != "" {
		c.DisplayName = patch.DisplayName
	}
	return c
}

// Redacted копия конфигурации без пароля для логов
func (c SipConfig) Redacted() SipConfig {
	if c.Password != "" {
		c.Password = "***"
	}
	return c
}
