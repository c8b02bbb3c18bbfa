// Package proactive schedules unsolicited follow-up messages per user.
//
// Each user has one engagement state blob holding the cadence level, the
// number of outreaches sent since the last reply and the id of the pending
// delayed task. Scheduling supersedes the previous pending task of the same
// message type: it is removed from the task schedule and its id is added to a
// revocation set. A firing task checks the revocation set, the pending id and
// the reply flag before it does anything visible, so a task that raced its
// cancellation is a silent no-op.
package proactive
