// Package sshtunnel forwards a local TCP endpoint to an etcd member that is
// only reachable from an SSH bastion host.
//
// # Tunnel Architecture
//
// [Open] authenticates against the bastion, binds an ephemeral port on
// 127.0.0.1 and runs one accept loop. Every accepted connection gets its own
// direct-tcpip channel to the target, all multiplexed over the single SSH
// connection (the equivalent of ssh -L). The etcd client is then pointed at
// 127.0.0.1:LocalPort.
//
// # Faults
//
// Handshake and authentication failures are returned from [Open]. Anything
// that goes wrong afterwards (the bastion dropping the connection, missed
// keepalives, a channel that cannot be opened) is delivered on
// [Tunnel.Faults] and never closes the tunnel by itself. The owner decides
// what to do, which for the session registry means ending the session.
//
// # Shutdown
//
// [Tunnel.Close] broadcasts abort by closing a channel exactly once. The
// accept loop stops, every proxied stream closes both halves, and Close
// returns only after all of them have exited. Calling Close again is a no-op.
package sshtunnel
