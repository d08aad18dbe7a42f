/*
Package shadow keeps a local view of remote device shadows in sync.

A shadow is a versioned pair of property maps held by a remote authority: the
desired side, set by controllers, and the reported side, set by the device. The
Manager owns one session per device identity, registers it with the transport
once per session lifetime, fetches the authoritative document after
registration and reconciles every response and push notification the transport
delivers.

Each session allows at most one outstanding get, update or delete request. A
rejected request is answered with a single resync get, unless the rejection
says the document does not exist yet (code 404), which is the normal state of
a freshly created device and must not trigger a request loop.

Results of requests are never returned synchronously. The transport calls back
into the Manager (OnStatus, OnForeignStateChange, HandleConnected,
HandleConnectionLost) and the Manager forwards property changes to the
session's Observer.
*/
package shadow
