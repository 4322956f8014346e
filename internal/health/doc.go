// Package health holds the liveness and readiness probes served on the ops
// listener, and the gate used to drain traffic on shutdown.
//
// Probes compose with [All] and [Fixed]. [Timeout] bounds a probe that talks
// to the network, such as the shared quota store ping.
package health
