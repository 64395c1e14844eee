// Package mqtt connects almanac to an MQTT broker. It forwards the
// operational events of the bus (turns, state transitions, tool calls,
// session workers) so dashboards and home automation can follow what
// the assistant is doing, publishes a retained status summary, and
// accepts messages for sessions on an inbound topic.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/availability           "online" / "offline" (retained, will)
//	<prefix>/status                 JSON status summary (retained)
//	<prefix>/events/<source>/<kind> one JSON event per message
//	<prefix>/sessions/<id>/in       user text for session <id>
//	<prefix>/sessions/<id>/out      the session's answer
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// which reconnects automatically. On every (re-)connect the birth
// message is published and the inbound filter re-subscribed; a will
// message marks the instance offline on unexpected disconnects.
package mqtt
