/*
Package mqtt carries shadow requests, shadow responses and telemetry over an
MQTT broker.

Topic layout, per device identity:

	things/{id}/shadow/{get|update|delete}                  requests
	things/{id}/shadow/{get|update|delete}/accepted         responses
	things/{id}/shadow/{get|update|delete}/rejected         responses
	things/{id}/shadow/update/documents                     previous and current document
	things/{id}/shadow/update/delta                         desired properties not yet reported
	things/{id}/presence                                    device heartbeats and last will
	lab/messaging/{id}                                      chat inbox
	lab/telemetry                                           telemetry readings

Every request carries a clientToken that is echoed in its response. A device
session subscribes to things/{id}/shadow/+/+ and tells its own responses from
changes made by other parties by that token.

ShadowTransport is the device and console side. Responder and Notifier are the
authority side.
*/
package mqtt
