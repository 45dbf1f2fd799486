// Package mqtt mirrors audit events to an MQTT broker and exposes the
// daily spend as Home Assistant sensors. Each event is published as
// JSON under bort/<device>/events/<kind>; spend events also update the
// retained spend_today and daily_cap sensor states.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package.
// On every (re-)connect the sink publishes retained discovery configs
// and an "online" availability message; a will message flips
// availability to "offline" on unexpected disconnects.
package mqtt
