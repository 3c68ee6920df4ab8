// Package protocol defines the control-plane messages exchanged between the
// balancer and its agents over a persistent websocket, and a connection
// wrapper that serializes writes.
//
// Every frame is one JSON Message. Notifications are fire-and-forget,
// requests and responses are correlated by request id, and an Error ends the
// correlated operation only, never the connection.
package protocol
