// Package routing implements the KNXnet/IP multicast endpoint:
// best-effort sending of routing indications, reception of
// indications from other routers, lost-message notifications, and
// the Routing-Busy flow-control algorithm with its send rate limit.
package routing
