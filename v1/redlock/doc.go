// Package redlock implements a majority-quorum lock over N independent Redis
// nodes. The same random token is set on every node with SET NX PX; the lock
// is granted when a majority accepted it and enough of the ttl is left after
// subtracting the acquisition time and a clock drift allowance.
//
// Safety rests on assumptions the package cannot enforce: node clocks advance
// at roughly the same rate, no node restarts without persistence while a lock
// is outstanding, and the holder is not paused for longer than the session
// validity. Check Session.Valid, or run work under Session.Context, before
// touching the protected resource.
package redlock
