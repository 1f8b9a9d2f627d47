// Package shutdown runs ordered teardown for the relay daemon.
//
// Components register a ShutdownHandler with a phase. On Shutdown (or
// SIGTERM/SIGINT when HandleSignals was called) phases run in ascending
// order; handlers within one phase run concurrently. A component that
// broadcasts on teardown, such as an awareness provider announcing its
// peer going offline, must be in an earlier phase than the bus it publishes
// on.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals()
//
//	coord.RegisterWithPhase("http", httpHandler, shutdown.PhaseListeners)
//	coord.RegisterWithPhase("relay", relayServer, shutdown.PhaseRooms)
//	coord.RegisterWithPhase("bus", busHandler, shutdown.PhaseTransport)
//	coord.RegisterWithPhase("telemetry", provider, shutdown.PhaseTelemetry)
//
//	<-coord.Done()
//	if err := coord.Err(); err != nil {
//	    log.Printf("shutdown: %v (failed: %v)", err, coord.Result().FailedHandlers())
//	}
//
// A handler that panics is reported as failed with a PANIC error; the other
// handlers still run.
package shutdown
