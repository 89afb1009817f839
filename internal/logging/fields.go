package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a log line for filtering (e.g. "device_committed").
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to check next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldErrorKind carries the device.KindName classification of an error.
	FieldErrorKind = "error_kind"
	// FieldDevicePath is the device path relative to the mountpoint.
	FieldDevicePath = "device_path"
	// FieldDevNumber is the major:minor pair of a device node.
	FieldDevNumber = "dev"
	// FieldRule names the action rule an effect came from.
	FieldRule = "rule"
	// FieldBackend names the OS backend that produced an event.
	FieldBackend = "backend"
)
