// Package device models a single hotplug event as it travels through the vdevd
// pipeline.
//
// A Request is created by an OS backend (or by the reconciliation walker), queued,
// matched against the action table, executed and finally committed. The lifecycle is
// enforced by Request.Transition so that a request can never move backwards or leave a
// terminal state. The package also owns the error taxonomy shared by every pipeline
// stage; callers classify failures with KindOf rather than by inspecting messages.
package device
