// Package dispense turns recipes into timed relay pulses.
//
// Ingredients are assigned to channels by position: the first ingredient of a
// recipe pours from channel 0, the second from channel 1, and so on. Every
// pour of one job is dispatched before any is awaited, so all pumps start
// together.
package dispense
