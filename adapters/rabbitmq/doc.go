/*
Package rabbitmq provides an AMQP transport for the service bus.
Send routes to the work queue through the default exchange, Publish routes through a topic
exchange keyed by message name, and a reconnecting session keeps both directions alive.
*/
package rabbitmq
