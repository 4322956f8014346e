// Package quota is the per-client fixed-window request accounting behind the
// edge gate.
//
// Each client identity owns one Record: a token count for the current
// window, the window end, and a tally of suspicious requests. Step is the pure
// state machine that advances a record by one request. A Store owns the
// records and serializes updates per key, the Limiter binds Limits and a clock
// to a Store, and the Sweeper evicts records that have been idle past a grace
// period.
//
// What this does protect against:
//   - a single client hammering page routes faster than a human would
//   - scanners and crawlers probing well-known admin paths, which ratchet
//     toward a hard block instead of just waiting out the window
//
// What this does NOT protect against:
//   - distributed attacks across many identities
//   - spoofed forwarding headers, the identity is only as good as the proxy in front
//   - cross-instance totals when the memory store is used, N instances allow up to N x quota
package quota
