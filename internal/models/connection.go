package models

type ConnectionState string

const (
	ConnectionOffline         ConnectionState = "offline"
	ConnectionConnecting      ConnectionState = "connecting"
	ConnectionOnline          ConnectionState = "online"
	ConnectionUnauthenticated ConnectionState = "unauthenticated"
	ConnectionClosed          ConnectionState = "closed"
)
