package platform

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/arzzra/voip_core/pkg/logger"
)

// EnvPlatform переменная окружения для явного выбора платформы
const EnvPlatform = "VOIP_PLATFORM"

// Detector определяет текущую платформу по источникам в фиксированном
// порядке: явное значение, GOOS, uname. Каждый источник может не дать ответа
// или упасть; сбой источника логируется и не мешает следующим.
type Detector struct {
	// Override явный идентификатор платформы, перекрывает все источники
	Override string

	// Getenv источник переменных окружения, по умолчанию os.Getenv
	Getenv func(string) string

	// GOOS значение runtime.GOOS; пустое означает текущее
	GOOS string

	// Uname возвращает sysname ядра; по умолчанию uname(2) на unix
	Uname func() (string, error)

	Logger logger.StructuredLogger
}

type source struct {
	name   string
	detect func() string
}

// Detect определяет платформу с настройками по умолчанию
func Detect() string {
	return (&Detector{}).Detect()
}

// Detect возвращает идентификатор платформы или Unknown
func (d *Detector) Detect() string {
	log := logger.OrNoop(d.Logger).WithComponent("platform")

	sources := []source{
		{"override", d.fromOverride},
		{"goos", d.fromGOOS},
		{"uname", d.fromUname},
	}
	for _, s := range sources {
		if p := d.try(s, log); p != "" {
			log.Debug(context.Background(), "Platform detected",
				logger.String("source", s.name), logger.String("platform", p))
			return p
		}
	}
	return Unknown
}

func (d *Detector) try(s source, log logger.StructuredLogger) (platform string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn(context.Background(), "Platform detection source failed",
				logger.String("source", s.name), logger.Any("panic", r))
			platform = ""
		}
	}()
	return s.detect()
}

func (d *Detector) fromOverride() string {
	if v := strings.TrimSpace(d.Override); v != "" {
		return strings.ToLower(v)
	}
	getenv := d.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return strings.ToLower(strings.TrimSpace(getenv(EnvPlatform)))
}

func (d *Detector) fromGOOS() string {
	goos := d.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	switch goos {
	case "android":
		return Android
	case "ios":
		return IOS
	case "js", "wasip1":
		return Web
	}
	return ""
}

func (d *Detector) fromUname() string {
	uname := d.Uname
	if uname == nil {
		uname = unameSysname
	}
	sysname, err := uname()
	if err != nil {
		logger.OrNoop(d.Logger).Debug(context.Background(), "uname unavailable", logger.Err(err))
		return ""
	}
	switch strings.ToLower(sysname) {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd":
		return Desktop
	}
	return ""
}
