package app

import "context"

// Serve loads WAGATE_* config, builds the App and runs it until ctx is cancelled.
// Errors are returned rather than exiting so deferred cleanup runs.
func Serve(ctx context.Context) error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
