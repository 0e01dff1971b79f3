// Package bridge is the untrusted host's side of the enclave boundary.
//
// The boundary copies the sealed response into a buffer the host supplies
// and cannot grow it. CallWithRetry retries the same sealed request with
// larger buffers along a Ladder and gives up after the last rung. Actor
// serializes all boundary calls onto a single goroutine.
package bridge
