/*
Package servicebus provides the Bus facade: a lifecycle state machine around the
dispatcher, Send and Publish with attribute propagation, and hook listeners.

A Bus owns a handler registry and a dispatcher. Handlers are registered before or after
Start; Start provisions a fixed number of worker slots that claim messages from the
transport until Stop.
*/
package servicebus
