/*

Package kafka provides a client for Apache Kafka brokers speaking version 0 of
the wire protocol.

Client owns connections to cluster nodes and the topic metadata cache. Use
Producer to create SimpleProducer for sending messages and Consumer to create
SimpleConsumer reading single topic. Consumers of many topics can be merged
into one stream with Merge.

Requests sent to partition leaders are grouped by broker, so that every node
receives at most one request per call, and those requests are made
concurrently. Failure of one node does not affect partitions led by others.

Package kafkatest provides in process cluster that can be used to test code
using this package without running kafka.

*/
package kafka
