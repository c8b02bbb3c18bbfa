// Package buffer debounces rapid-fire inbound fragments per user.
//
// Each user gets a session holding the fragment buffer, the pending dispatch
// timer, the typing indicator and a generation counter. Scheduling a dispatch
// bumps the generation, so a timer that already fired but lost the race to a
// newer fragment returns without dispatching.
package buffer
