// Package log provides structured logging for skein components.
//
// Loggers carry typed fields and a component tag:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel))
//	logger.With(log.Component("hub")).Info("session opened",
//		log.Str("session", id),
//		log.Int("subscribers", n),
//	)
//
// Construct one logger at process start and pass it down explicitly;
// there is no package-level default.
package log
