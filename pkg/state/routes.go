package state

import "strings"

// Идентификаторы экранов приложения
const (
	RouteLauncher     = "launcher"
	RouteRegistration = "registration"
	RouteDialer       = "dialer"
	RouteCall         = "call"
	RouteMessages     = "messages"
)

// Routes таблица идентификатор экрана -> путь
var Routes = map[string]string{
	RouteLauncher:     "/pages/test/index",
	RouteRegistration: "/pages/registration/index",
	RouteDialer:       "/pages/dialer/index",
	RouteCall:         "/pages/call/index",
	RouteMessages:     "/pages/messages/index",
}

// ResolveRoute приводит идентификатор экрана к пути.
// Пути возвращаются как есть, неизвестные идентификаторы тоже.
func ResolveRoute(route string) string {
	if route == "" || strings.HasPrefix(route, "/") {
		return route
	}
	if path, ok := Routes[route]; ok {
		return path
	}
	return route
}
