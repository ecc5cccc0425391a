// Package calibration holds the per-channel fill delay model and the
// interactive workflow that measures it. It contains:
//
//   - Store: one fill delay per channel, loaded at start-up and rewritten
//     wholesale on every committed session
//   - Session: the step-through state machine that times each channel by hand
//   - Phase, Action and Status: the shared vocabulary used by the daemon,
//     client and CLI
//
// A fill delay is the time liquid takes to travel from the pump to the outlet
// after the relay closes. It depends on tube length and residual air, so it is
// measured by a person watching the outlet rather than computed.
package calibration
