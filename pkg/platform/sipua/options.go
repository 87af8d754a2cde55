package sipua

import (
	"net"
	"strconv"
	"time"

	"github.com/arzzra/voip_core/pkg/logger"
)

// Options настройки SIP прослойки
type Options struct {
	// ListenAddr локальный адрес SIP сервера (host:port)
	ListenAddr string

	// Hostname адрес, публикуемый в Contact и SDP. Пустой выбирается по интерфейсам.
	Hostname string

	// Expires срок регистрации в секундах
	Expires uint32

	// RTPPort порт, объявляемый в SDP. С него же отправляются RFC 4733 события.
	RTPPort int

	// DTMFMode способ передачи DTMF: DTMFAuto, DTMFInfo или DTMFRFC4733
	DTMFMode string

	UserAgent string

	// RequestTimeout ограничение ожидания финального ответа на запрос
	RequestTimeout time.Duration

	Logger logger.StructuredLogger
	Now    func() time.Time
}

// DefaultOptions возвращает настройки по умолчанию
func DefaultOptions() Options {
	return Options{
		ListenAddr:     "0.0.0.0:5060",
		Expires:        3600,
		RTPPort:        10000,
		DTMFMode:       DTMFAuto,
		UserAgent:      "voip_core",
		RequestTimeout: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ListenAddr == "" {
		o.ListenAddr = def.ListenAddr
	}
	if o.Expires == 0 {
		o.Expires = def.Expires
	}
	if o.RTPPort <= 0 {
		o.RTPPort = def.RTPPort
	}
	switch o.DTMFMode {
	case DTMFAuto, DTMFInfo, DTMFRFC4733:
	default:
		o.DTMFMode = def.DTMFMode
	}
	if o.UserAgent == "" {
		o.UserAgent = def.UserAgent
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Hostname == "" {
		o.Hostname = advertisedHost(o.ListenAddr)
	}
	return o
}

// listenPort порт из ListenAddr, 5060 если не указан
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 5060
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 5060
	}
	return port
}

// advertisedHost адрес для Contact: хост из ListenAddr, а для 0.0.0.0 первый
// не-loopback IPv4 интерфейса
func advertisedHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return host
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
