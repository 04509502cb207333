package observ

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. JSON lines to stdout with
// RFC3339 timestamps so bot and dashboard output can be shipped as-is.
func Setup(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// Component returns a logger scoped to one subsystem.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// Event emits a one-line JSON audit event. Decision and safety transitions go
// through here so the audit trail has a uniform shape regardless of component.
func Event(component, event string, kv map[string]any) {
	e := log.Info().Str("component", component).Str("event", event)
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Send()
}
