// Package clock abstracts timers so reconnection and polling schedules
// can be driven by simulated time in tests.
//
// Components take a Clock in their options and default to Real(). Tests
// construct Fake(start), wait for the component to arm its timer with
// WaitForTimers, then call Advance to fire it deterministically.
package clock
