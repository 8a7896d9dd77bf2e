package connector

import "github.com/scadakit/iec104"

/*
Gateway is the upstream platform boundary. The connector publishes telemetry
into it and reports command outcomes back through it; the platform side
(MQTT bridge, message bus, test double) implements it.

PublishPoint is called from the protocol engine's session goroutine and must
not block.
*/
type Gateway interface {
	PublishPoint(p iec104.NormalizedPoint)
	ReportRPCResult(requestID int64, device string, payload map[string]interface{})
}
