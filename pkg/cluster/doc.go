// Package cluster connects rupy daemons.
//
// A Bus carries short packets between nodes over a Redis channel. Every
// packet starts with the header [reversed host].[node], so a packet from the
// bundle host.rupy.se.zip on node one begins with "se.rupy.host.one", and the
// whole packet is at most MaxPacket bytes. Received packets are offered to
// the daemon's controller as a "packet" message and delivered to the
// registered listeners when it answers OK.
//
// The Bus also propagates deploys: after a cluster deploy the origin node
// publishes a notice and the other nodes fetch the bundle from the shared
// mirror and deploy it.
//
// Passport is a controller that answers auth, host and packet messages from a
// passport file and a list of known nodes:
//
//	s.SetListener(cluster.NewPassport("passport", cluster.WithNodes("one", "two")))
package cluster
