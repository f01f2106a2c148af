// Package logging provides structured logging for whispercore on top of zap.
//
// The Logger adds correlation fields from context (trace, user, memory and
// request ids) to every entry, redacts sensitive keys at the encoder, and
// samples entries below error level. Output goes to stdout, an OpenTelemetry
// log provider, or both.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithMemoryID(ctx, id)
//	logger.Debug(ctx, "memory state changed", zap.String("to", "persisted"))
//
// Journal text is never logged directly; use TextLen to record sizes.
package logging
