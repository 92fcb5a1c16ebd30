/*
Package dispatcher runs a fixed pool of worker slots against a transport.

Each slot loops claim → handle → resolve. A slot only claims its next message after the
previous one is deleted or returned for retry, so at most N handlers run at once and the
transport sees natural backpressure. Cancelling the context passed to Run stops pending
claims; handlers that are already running always finish and resolve first.
*/
package dispatcher
