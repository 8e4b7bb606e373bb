// Package peer establishes the direct WebRTC data channel between the two
// endpoints of a session.
//
// An Establisher is driven by the relay: the initiator reacts to
// peer-connected by sending an offer, the joiner answers it, and both
// trickle ICE candidates through the relay as they are discovered. The
// caller observes progress through Events, which reports Connecting,
// Connected (ICE reachable), ChannelOpen (ready to send) and finally Closed.
package peer
