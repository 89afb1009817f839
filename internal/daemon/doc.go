// Package daemon owns the vdevd process lifecycle.
//
// A Daemon is built by New (configuration summary, instance nonce, action table,
// engine and work queue), activated by Start (lock file, OS backend, queue worker),
// driven by Main until the backend returns, deactivated by Stop and released by
// Shutdown. In once mode the caller runs RemoveUnplugged between Stop and Shutdown
// so devices left behind by a previous daemon are cleaned up before exit.
//
// Every terminal request is recorded in the event journal and committed requests
// are published through the configured notify.Publisher. Neither is required for
// device handling: failures there are logged and skipped.
package daemon
