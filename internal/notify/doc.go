// Package notify publishes committed device events to external subscribers.
//
// The MQTT publisher sends one JSON message per committed request on
// <topic_prefix>/<add|remove>/<device path>, and a retained online/offline status on
// <topic_prefix>/status with a last-will for unexpected disconnects. When MQTT is
// disabled a no-op publisher is used.
package notify
