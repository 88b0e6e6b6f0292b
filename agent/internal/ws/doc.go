// Package ws streams collected snapshots to WebSocket clients.
//
// Hub keeps the set of connected clients and pushes the live store contents
// to all of them every interval. A client receives the current contents
// immediately on connect, then one message per tick:
//
//	{
//	  "event": "snapshots",
//	  "data":  { /* same schema as GET /api/v1/snapshots */ }
//	}
//
// Origins are not checked. The agent mounts the hub at /ws/stream.
package ws
