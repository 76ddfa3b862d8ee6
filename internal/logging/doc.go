// Package logging builds the agent's zap logger.
//
// Entries go to stdout, to the OpenTelemetry log bridge, or both. The
// logger adds a trace level below debug, samples each level separately
// (errors are never sampled) and hides sensitive fields on every output.
// Methods take a context and add the trace, agent, peer, trajectory and
// request ids found in it:
//
//	cfg, err := logging.NewConfig(c.Logging.Level, c.Logging.Format, c.Logging.OTEL)
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg, tel.LoggerProvider())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithPeerID(ctx, "edge-02")
//	logger.Info(ctx, "merged peer snapshot", zap.Int("entries", n))
//
// Packages below cmd take a plain *zap.Logger from Underlying.
//
// TestLogger records entries in memory and can assert that no credential
// reached the log:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "sync connected", logging.RedactedString("token", tok))
//	tl.AssertNoSecrets(t)
package logging
