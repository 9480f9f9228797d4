/*
Package httpserver exposes the lookup client as a local HTTP gateway.

Lookups run asynchronously. Starting one returns an operation id; the
operation is polled until it completes, and may be cancelled while it runs.
Finished operations are forgotten after a retention period. The gateway also
decodes handshake-start frames into attestation metrics for diagnostics and
validates message backups.

# Endpoints

  - POST /api/lookup - Start a lookup, returns {"id", "status"}
  - GET /api/lookup/{id} - Operation state, records and continuation token
  - DELETE /api/lookup/{id} - Cancel a lookup and forget it
  - POST /api/attestation/metrics - Decode a handshake-start frame
  - POST /api/backup/validate - Validate a message backup
  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

# Example Usage

	handler := httpserver.NewHandler(manager, logger, httpserver.DefaultRetention)
	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:8080",
		Log:                      logger,
		DrainDuration:            30 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, handler)
	if err != nil {
		return err
	}
	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver
