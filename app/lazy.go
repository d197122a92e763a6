package app

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"miniapp-relay/config"
	"miniapp-relay/server"
)

// Lazy builds the server from the environment on first use and reuses it
// for the life of the process. Serverless entry points keep one per cold start.
type Lazy struct {
	once sync.Once
	srv  *server.Server
	err  error
}

// Get returns the shared server, building it on the first call.
func (l *Lazy) Get() (*server.Server, error) {
	l.once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			l.err = err
			return
		}
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
		}))
		l.srv, l.err = New(context.Background(), cfg, logger)
	})
	return l.srv, l.err
}
